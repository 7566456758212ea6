package txn

// findCycle runs a depth-first search over the wait-for graph and returns
// the first cycle found, as the list of transactions on it. Edges map a
// waiting transaction to the holders it waits on.
func findCycle(edges map[TxnID][]TxnID) []TxnID {
	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[TxnID]int)
	var stack []TxnID

	var visit func(n TxnID) []TxnID
	visit = func(n TxnID) []TxnID {
		state[n] = inStack
		stack = append(stack, n)
		for _, next := range edges[n] {
			switch state[next] {
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case inStack:
				// Unwind the stack back to the first occurrence of next.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycle := make([]TxnID, len(stack)-i)
						copy(cycle, stack[i:])
						return cycle
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	for n := range edges {
		if state[n] == unvisited {
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
