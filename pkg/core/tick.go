package core

import "time"

// Category names one stream of the acquisition loop.
type Category string

const (
	CategoryDepth  Category = "depth"
	CategoryColor  Category = "color"
	CategoryJoints Category = "joints"
)

// TickReport summarizes one acquisition tick for sinks outside the loop.
type TickReport struct {
	Server    string
	Seq       uint64
	At        time.Time
	Duration  time.Duration
	Players   int
	Published []Category
	Skipped   []Category
}

// PlayersSample is the skeleton output of one tick.
type PlayersSample struct {
	Server  string
	Stamp   Stamp
	At      time.Time
	Players []Player
}
