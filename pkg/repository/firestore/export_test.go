package firestore

// NewWithoutClient builds a repository that can only describe its indexes
func NewWithoutClient(prefix string) *Repository {
	return &Repository{prefix: prefix}
}
