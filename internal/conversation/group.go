package conversation

import "sort"

// Group partitions message nodes into conversations by following reply
// pointers to their root. Every node lands in exactly one conversation.
// The result is sorted by start time (ties by id).
func Group(nodes []MessageNode) []Conversation {
	g := newGrouper(nodes)

	byRoot := make(map[string]*Conversation)
	for _, node := range nodes {
		rootID := g.root(node.ID)

		conv, ok := byRoot[rootID]
		if !ok {
			conv = &Conversation{
				ID:         rootID,
				MessageIDs: make(map[string]struct{}),
				StartTime:  node.Timestamp,
				EndTime:    node.Timestamp,
			}
			byRoot[rootID] = conv
		}

		conv.MessageIDs[node.ID] = struct{}{}
		if node.Timestamp.Before(conv.StartTime) {
			conv.StartTime = node.Timestamp
		}
		if node.Timestamp.After(conv.EndTime) {
			conv.EndTime = node.Timestamp
		}
	}

	conversations := make([]Conversation, 0, len(byRoot))
	for _, conv := range byRoot {
		conversations = append(conversations, *conv)
	}
	sort.Slice(conversations, func(i, j int) bool {
		if !conversations[i].StartTime.Equal(conversations[j].StartTime) {
			return conversations[i].StartTime.Before(conversations[j].StartTime)
		}
		return conversations[i].ID < conversations[j].ID
	})

	return conversations
}

// RootOf resolves the conversation root of a single message.
func RootOf(nodes []MessageNode, messageID string) string {
	return newGrouper(nodes).root(messageID)
}

type grouper struct {
	nodes map[string]MessageNode
	roots map[string]string
}

func newGrouper(nodes []MessageNode) *grouper {
	byID := make(map[string]MessageNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	return &grouper{
		nodes: byID,
		roots: make(map[string]string, len(nodes)),
	}
}

// root walks reply pointers iteratively. The walk stops at a message with no
// parent, at a parent that is not in the node set (the last known message is
// the root), at an already resolved message, or when it revisits an id on the
// current path, in which case the revisited id is the root. Every id on the
// path is memoized with the resolved root.
func (g *grouper) root(id string) string {
	visited := make(map[string]struct{})
	var path []string

	current := id
	var rootID string
	for {
		if known, ok := g.roots[current]; ok {
			rootID = known
			break
		}
		if _, seen := visited[current]; seen {
			rootID = current
			break
		}
		visited[current] = struct{}{}
		path = append(path, current)

		node, ok := g.nodes[current]
		if !ok || node.ReplyTo == "" {
			rootID = current
			break
		}
		if _, parentKnown := g.nodes[node.ReplyTo]; !parentKnown {
			rootID = current
			break
		}
		current = node.ReplyTo
	}

	for _, p := range path {
		g.roots[p] = rootID
	}
	return rootID
}
