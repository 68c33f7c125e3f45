package ui

import "time"

// EventType classifies grab events for the UI.
type EventType int

const (
	EvtBanner EventType = iota
	EvtInfo
	EvtDone
)

// GrabEvent is a single event emitted by the grab engine to the UI.
type GrabEvent struct {
	Type   EventType
	IP     string
	Port   int
	Banner string // raw captured bytes
	Msg    string // for EvtInfo
}

// GrabStats contains periodic stats for the UI.
type GrabStats struct {
	LinesRead  uint64
	Admitted   uint64
	DialErrors uint64
	Connected  uint64
	Results    uint64
	Expired    uint64
	Active     int64
	Elapsed    time.Duration
	Rate       float64 // admissions per second over the run
	Target     float64 // configured rate
}

// Mode selects the UI output mode.
type Mode int

const (
	ModeTUI    Mode = iota // full bubbletea interactive
	ModeText               // simple \r status + \n results
	ModeSilent             // no terminal output
)
