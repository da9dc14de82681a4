package negotiation

type State int

const (
	Idle State = iota
	OfferSent
	OfferReceived
	AnswerSent
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer-sent"
	case OfferReceived:
		return "offer-received"
	case AnswerSent:
		return "answer-sent"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the negotiation is over. The engine may still fail
// a connected session later; that ends the session but not as a transition.
func (s State) Terminal() bool {
	return s == Connected || s == Failed
}

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}
