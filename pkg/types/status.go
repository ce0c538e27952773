package types

// Status classifies the outcome of a best-effort stage (discovery, one probe
// round) so absorbed failures stay visible to callers.
type Status string

const (
	StatusOK    Status = "ok"
	StatusEmpty Status = "empty"
	StatusFatal Status = "fatal"
)

// HopClass names one of the two ping output streams.
type HopClass string

const (
	LastHop       HopClass = "last"
	SecondLastHop HopClass = "sec_last"
)

func (c HopClass) String() string {
	return string(c)
}
