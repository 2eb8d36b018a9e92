package archcheck

// Violation is one structural rule breach found in the tree.
type Violation struct {
	File   string `json:"file"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}
