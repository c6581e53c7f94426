package roster

type Startup struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Phase       string   `json:"phase,omitempty"`
	Batch       string   `json:"batch,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Email       string   `json:"email,omitempty"`
	Website     string   `json:"website,omitempty"`
}

type Member struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role,omitempty"`
	Startups []int  `json:"startups,omitempty"`
}

type Advisor struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Email     string   `json:"email,omitempty"`
	Expertise []string `json:"expertise,omitempty"`
	Startups  []int    `json:"startups,omitempty"`
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Count   int    `json:"count"`
	Next    string `json:"next,omitempty"`
	Results []T    `json:"results"`
}

// ListOptions narrows a list request. Zero values are omitted.
type ListOptions struct {
	Search   string
	Page     int
	PageSize int
}
