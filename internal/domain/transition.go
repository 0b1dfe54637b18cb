package domain

import "time"

// Rule is what a given event does to a recipient in a given status.
type Rule uint8

const (
	// Ignore leaves the row untouched; the event is only appended to the ledger.
	Ignore Rule = iota
	// Overlay records the event's timestamp if unset and keeps the status.
	Overlay
	// Advance records the timestamp, fills implied earlier timestamps and
	// moves the status to the event's target.
	Advance
)

func (r Rule) String() string {
	switch r {
	case Overlay:
		return "overlay"
	case Advance:
		return "advance"
	default:
		return "ignore"
	}
}

const (
	ign = Ignore
	ovl = Overlay
	adv = Advance
)

// transitions is indexed by current status, then by EventKind in
// declaration order: Sent Delivered Opened Clicked Bounced Complained
// Replied Unsubscribed Failed. Engagement never moves a bounced or failed
// recipient back up, and a bounce after an open is only an overlay.
var transitions = map[RecipientStatus][numEventKinds]Rule{
	//                       Sent Dlvd Open Clck Bnce Cmpl Rply Unsb Fail
	RecipientPending:      {adv, ign, ign, ign, ign, ign, ign, adv, adv},
	RecipientSent:         {ovl, adv, adv, adv, adv, adv, adv, adv, ign},
	RecipientDelivered:    {ovl, ovl, adv, adv, adv, adv, adv, adv, ign},
	RecipientOpened:       {ovl, ovl, ovl, adv, ovl, adv, adv, adv, ign},
	RecipientClicked:      {ovl, ovl, ovl, ovl, ovl, adv, adv, adv, ign},
	RecipientReplied:      {ovl, ovl, ovl, ovl, ovl, adv, ign, adv, ign},
	RecipientBounced:      {ign, ign, ign, ign, ovl, ovl, ovl, ovl, ign},
	RecipientFailed:       {adv, adv, ign, ign, ign, ign, ign, adv, ovl},
	RecipientUnsubscribed: {ovl, ovl, ovl, ovl, ovl, ovl, ovl, ign, ign},
}

// RuleFor looks up the transition rule. Unknown statuses ignore everything.
func RuleFor(status RecipientStatus, kind EventKind) Rule {
	row, ok := transitions[status]
	if !ok || !kind.Valid() {
		return Ignore
	}
	return row[kind]
}

// Target is the status an Advance moves to.
func (k EventKind) Target() RecipientStatus {
	switch k {
	case EventSent:
		return RecipientSent
	case EventDelivered:
		return RecipientDelivered
	case EventOpened:
		return RecipientOpened
	case EventClicked:
		return RecipientClicked
	case EventBounced:
		return RecipientBounced
	case EventComplained, EventUnsubscribed:
		return RecipientUnsubscribed
	case EventReplied:
		return RecipientReplied
	default:
		return RecipientFailed
	}
}

// Occurrence is an event to fold into a recipient row and append to the
// ledger. Detail is the error text for Failed; ProviderMessageID is stored
// on the row for Sent and indexed on the ledger entry for every kind.
type Occurrence struct {
	Kind              EventKind
	At                time.Time
	Detail            string
	ProviderMessageID string
	Payload           map[string]any
}

// Outcome describes what Transition did.
type Outcome struct {
	Rule    Rule            `json:"rule"`
	From    RecipientStatus `json:"from"`
	To      RecipientStatus `json:"to"`
	First   bool            `json:"first"`
	Changed bool            `json:"changed"`
}

// Transition applies o to r in place according to the table. Callers must
// hold whatever lock makes the read-modify-write of r atomic.
func Transition(r *Recipient, o Occurrence) Outcome {
	out := Outcome{Rule: RuleFor(r.Status, o.Kind), From: r.Status, To: r.Status}
	if out.Rule == Ignore {
		return out
	}

	at := o.At.UTC()
	set := func(p **time.Time) bool {
		if *p != nil {
			return false
		}
		t := at
		*p = &t
		out.Changed = true
		return true
	}

	switch o.Kind {
	case EventSent:
		out.First = set(&r.SentAt)
		if o.ProviderMessageID != "" && r.ProviderMessageID != o.ProviderMessageID {
			r.ProviderMessageID = o.ProviderMessageID
			out.Changed = true
		}
	case EventDelivered:
		out.First = set(&r.DeliveredAt)
	case EventOpened:
		out.First = set(&r.OpenedAt)
	case EventClicked:
		out.First = set(&r.ClickedAt)
	case EventBounced:
		out.First = set(&r.BouncedAt)
	case EventComplained:
		out.First = set(&r.ComplainedAt)
		set(&r.UnsubscribedAt)
	case EventReplied:
		out.First = set(&r.RepliedAt)
	case EventUnsubscribed:
		out.First = set(&r.UnsubscribedAt)
	case EventFailed:
		out.First = r.Status != RecipientFailed
		msg := Truncate(o.Detail, MaxErrorLength)
		if r.LastError != msg {
			r.LastError = msg
			out.Changed = true
		}
	}

	if out.Rule == Advance {
		fillImplied(r, o.Kind, set)
		if o.Kind == EventSent && r.LastError != "" {
			r.LastError = ""
			out.Changed = true
		}
		if target := o.Kind.Target(); r.Status != target {
			r.Status = target
			out.To = target
			out.Changed = true
		}
	}
	if out.Changed {
		r.UpdatedAt = at
	}
	return out
}

// fillImplied backfills earlier funnel stages: clicked implies opened,
// opened implies delivered, delivered implies sent.
func fillImplied(r *Recipient, kind EventKind, set func(**time.Time) bool) {
	switch kind {
	case EventClicked:
		set(&r.OpenedAt)
		fallthrough
	case EventOpened, EventReplied:
		set(&r.DeliveredAt)
		fallthrough
	case EventDelivered:
		set(&r.SentAt)
	}
}
