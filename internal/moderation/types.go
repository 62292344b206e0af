package moderation

// Request is published to moderation.check by a chat instance after a
// text message has been persisted and delivered.
type Request struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// Result is published back on moderation.result with the review outcome.
// Only flagged messages produce a result.
type Result struct {
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	Flagged   bool   `json:"flagged"`
	Reason    string `json:"reason"`
	Term      string `json:"term"`
	// RecentReports counts reports filed against the sender recently, when
	// the reviewer has report history.
	RecentReports int `json:"recent_reports,omitempty"`
}

// Review runs f over req and returns the result to publish.
func (f *Filter) Review(req Request) Result {
	res := f.Check(req.Text)
	return Result{
		MessageID: req.MessageID,
		RoomID:    req.RoomID,
		SenderID:  req.SenderID,
		Flagged:   res.Blocked,
		Reason:    res.Reason,
		Term:      res.Term,
	}
}
