package http

import "chronodb/pkg/types"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status    Status       `json:"status,omitempty"`
	Value     string       `json:"value,omitempty"`
	Timestamp *int64       `json:"timestamp,omitempty"`
	Period    *Period      `json:"period,omitempty"`
	History   []int64      `json:"history,omitempty"`
	Branches  []BranchInfo `json:"branches,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Period is a validity period; a nil Upper is unbounded.
type Period struct {
	Lower int64  `json:"lower"`
	Upper *int64 `json:"upper,omitempty"`
}

type BranchInfo struct {
	Name string `json:"name"`
	Now  int64  `json:"now"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewCommitResponse(ts int64) Response {
	return Response{Status: StatusSuccess, Timestamp: &ts}
}

func NewValueResponse(value string, p types.Period) Response {
	period := &Period{Lower: p.Lower}
	if !p.IsOpenEnded() {
		upper := p.Upper
		period.Upper = &upper
	}
	return Response{Status: StatusSuccess, Value: value, Period: period}
}

func NewHistoryResponse(history []int64) Response {
	return Response{Status: StatusSuccess, History: history}
}

func NewBranchesResponse(branches []BranchInfo) Response {
	return Response{Status: StatusSuccess, Branches: branches}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
