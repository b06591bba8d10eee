package workflow

// ExecutionOrder 计算节点执行顺序：
// 从第一个 start 节点深度优先遍历，出边按声明顺序，每个节点只访问一次；
// start 不可达的节点按原列表顺序追加到末尾；没有 start 节点时直接使用声明顺序。
func ExecutionOrder(nodes []Node, edges []Edge) []Node {
	startIdx := -1
	for i, n := range nodes {
		if ParseNodeType(string(n.Type)) == NodeStart {
			startIdx = i
			break
		}
	}
	if startIdx < 0 {
		return append([]Node(nil), nodes...)
	}

	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, ok := index[n.ID]; !ok {
			index[n.ID] = i
		}
	}
	outgoing := make(map[string][]string, len(edges))
	for _, e := range edges {
		outgoing[e.From] = append(outgoing[e.From], e.To)
	}

	order := make([]Node, 0, len(nodes))
	visited := make(map[string]bool, len(nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		i, ok := index[id]
		if !ok {
			return
		}
		order = append(order, nodes[i])
		for _, next := range outgoing[id] {
			visit(next)
		}
	}
	visit(nodes[startIdx].ID)

	for _, n := range nodes {
		if !visited[n.ID] {
			visited[n.ID] = true
			order = append(order, n)
		}
	}
	return order
}
