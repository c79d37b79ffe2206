package master

// Register is the body of POST /nodes
type Register struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
}

// Tests is the body of POST /nodes/:id/tests, each entry a serialized test case
type Tests struct {
	Tests [][]byte `json:"tests"`
}

type TestsAccepted struct {
	Received int `json:"received"`
	Accepted int `json:"accepted"`
}

type NodeStatus struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
	Served   int    `json:"served"`
	Reported int    `json:"reported"`
	Returned int    `json:"returned"`
}

// Status is the body of GET /status
type Status struct {
	Nodes        []NodeStatus `json:"nodes"`
	TracesQueued int          `json:"traces_queued"`
	PoolAll      int          `json:"pool_all"`
	PoolNext     int          `json:"pool_next"`
	Received     int          `json:"received"`
}
