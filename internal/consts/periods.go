package consts

// PeriodAll matches every time period.
const PeriodAll = "ALL"

// Built-in categories. Check-in and reply sends belong to a flow.
const (
	CategoryCheckIn      = "checkin"
	CategoryTaskReminder = "task_reminder"
	CategoryReply        = "reply"
)
