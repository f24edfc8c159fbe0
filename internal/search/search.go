package search

// Result is a single message hit returned to the caller.
type Result struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Snippet        string `json:"snippet"`
	CreatedAt      string `json:"createdAt"`
}

// Query describes a search request. ConversationIDs carries the caller's
// visible conversations; an empty list means nothing is searchable.
type Query struct {
	Text            string
	ConversationIDs []string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
}
