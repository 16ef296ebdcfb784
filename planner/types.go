package planner

import (
	"github.com/TomerGutman1/ceci-bot-chain-sub001/dispatcher"
	"github.com/TomerGutman1/ceci-bot-chain-sub001/ledger"
)

// TurnRequest is the immutable internal representation of one incoming
// chat turn, after the HTTP layer has parsed the client's JSON body.
type TurnRequest struct {
	ConvID          string
	RawText         string
	TraceID         string
	IncludeMetadata bool
}

// EventKind distinguishes a streamed progress hint from the one terminal
// event of a turn.
type EventKind string

const (
	EventKindProgress EventKind = "progress"
	EventKindFinal    EventKind = "final"
)

// ResponseMetadata is the final event's metadata block.
type ResponseMetadata struct {
	Intent           string          `json:"intent"`
	Confidence       float64         `json:"confidence"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
	Service          string          `json:"service"`
	TokenUsage       ledger.Snapshot `json:"token_usage"`
	StoreDegraded    bool            `json:"store_degraded,omitempty"`
}

// Event is one SSE payload. Intermediate events carry Stage/Message;
// the single final event carries Response/Metadata.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Final    bool              `json:"final"`
	Stage    string            `json:"stage,omitempty"`
	Message  string            `json:"message,omitempty"`
	Response string            `json:"response,omitempty"`
	Metadata *ResponseMetadata `json:"metadata,omitempty"`
}

// EmitFunc delivers one Event to the transport layer (SSE handler). It
// must not block indefinitely; the HTTP layer is responsible for write
// deadlines, mirroring the teacher's core.StreamCallback contract.
type EmitFunc func(Event)

// --- Stage RPC contracts (§6.2). Field sets are the core's entire
// reliance on each stage's response; anything else a stage returns is
// ignored. ---

type rewriteResponse struct {
	CleanText   string               `json:"clean_text"`
	Corrections []string             `json:"corrections"`
	TokenUsage  *dispatcher.UsageBlock `json:"token_usage"`
}

type routeFlags struct {
	NeedsClarification bool `json:"needs_clarification"`
	HasContext         bool `json:"has_context"`
	IsFollowUp         bool `json:"is_follow_up"`
}

type intentResponse struct {
	Intent     string                 `json:"intent"`
	Confidence float64                `json:"confidence"`
	Entities   map[string]interface{} `json:"entities"`
	RouteFlags routeFlags             `json:"route_flags"`
	TokenUsage *dispatcher.UsageBlock `json:"token_usage"`
}

type sqlGenResponse struct {
	SQL        string                 `json:"sql"`
	TemplateID string                 `json:"template_id"`
	Parameters map[string]interface{} `json:"parameters"`
	QueryType  string                 `json:"query_type"`
	TokenUsage *dispatcher.UsageBlock `json:"token_usage"`
}

type rankResponse struct {
	Ranked     []dispatcher.ResultArtifact `json:"ranked"`
	TokenUsage *dispatcher.UsageBlock      `json:"token_usage"`
}

type evalResponse struct {
	Score             float64                `json:"score"`
	RelevanceLevel    string                 `json:"relevance_level"`
	Explanation       string                 `json:"explanation"`
	CriteriaBreakdown []string               `json:"criteria_breakdown"`
	TokenUsage        *dispatcher.UsageBlock `json:"token_usage"`
}

type clarifyResponse struct {
	Question   string                 `json:"question"`
	TokenUsage *dispatcher.UsageBlock `json:"token_usage"`
}

type formatResponse struct {
	FormattedResponse string                 `json:"formatted_response"`
	Metadata          map[string]interface{} `json:"metadata"`
	TokenUsage        *dispatcher.UsageBlock `json:"token_usage"`
}

// dataType is the discriminator FORMAT uses to pick a rendering template.
type dataType string

const (
	dataTypeRankedRows dataType = "ranked_rows"
	dataTypeCount      dataType = "count"
	dataTypeAnalysis   dataType = "analysis"
	dataTypeEmpty      dataType = "empty"
)
