package factcheck

// Subject classifies what a message is about. The set mirrors the assistant's
// extraction contract; anything else comes back as SubjectNone.
type Subject string

const (
	SubjectProfit      Subject = "profit"
	SubjectAgenda      Subject = "agenda"
	SubjectMeeting     Subject = "meeting"
	SubjectTasks       Subject = "tasks"
	SubjectLeaveDays   Subject = "leaveDays"
	SubjectMaintenance Subject = "maintenance"
	SubjectNone        Subject = "none"
)

type TimeType string

const (
	TimePast    TimeType = "past"
	TimePresent TimeType = "present"
	TimeFuture  TimeType = "future"
	TimeMixed   TimeType = "mixed"
	TimeUnknown TimeType = "unknown"
)

type TimeContext struct {
	Type TimeType `json:"type"`
	From string   `json:"from,omitempty"` // YYYY-MM-DD or YYYY-MM
	To   string   `json:"to,omitempty"`
	Raw  string   `json:"raw,omitempty"`
}

// Intent is the structured result of the extraction stage.
type Intent struct {
	Subject     Subject     `json:"subject"`
	About       string      `json:"about"` // self | other | both | unknown
	TimeContext TimeContext `json:"timeContext"`
	// Columns names the profit-table columns a profit claim refers to.
	Columns []string `json:"columns,omitempty"`
}

// Verdict is the result of checking a claim against support data.
type Verdict struct {
	Consistent bool   `json:"consistent"`
	Reason     string `json:"reason"`
	Severity   string `json:"severity"` // low | medium | high
}

// factual reports whether the intent describes already-settled state. Plans,
// proposals and questions about the future have nothing to verify.
func (i Intent) factual() bool {
	switch i.TimeContext.Type {
	case TimePast, TimeMixed:
		return true
	default:
		return false
	}
}
