package models

// ProjectionStatus is one entry of GET /projections.
// Keys is omitted when the store cannot count its keys.
type ProjectionStatus struct {
	Name     string `json:"name"`
	Topic    string `json:"topic"`
	Started  bool   `json:"started"`
	Running  bool   `json:"running"`
	CaughtUp bool   `json:"caught_up"`
	Keys     *int   `json:"keys,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProjectionsResponse is returned by GET /projections.
type ProjectionsResponse struct {
	Projections []ProjectionStatus `json:"projections"`
}
