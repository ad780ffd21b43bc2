package consumer

// PollingState controls whether the loop keeps polling.
type PollingState int32

const (
	Inactive PollingState = iota
	Active
)

func (s PollingState) String() string {
	if s == Active {
		return "ACTIVE"
	}
	return "INACTIVE"
}
