package notifier

import "time"

// Action identifiers carried on every reminder notification.
const (
	ActionMarkComplete = "mark-complete"
	ActionView         = "view"
)

const (
	titlePrefix       = "Lembrete: "
	defaultBody       = "Você tem um lembrete!"
	markCompleteTitle = "Marcar como concluído"
	viewTitle         = "Ver detalhes"
)

// Action is a button shown on a system notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// PayloadData is the data bag attached to a notification.
type PayloadData struct {
	ReminderID string `json:"reminderId"`
	URL        string `json:"url"`
	Timestamp  string `json:"timestamp"`
}

// Payload is the JSON document delivered to a device's service worker.
type Payload struct {
	Title              string      `json:"title"`
	Body               string      `json:"body"`
	Icon               string      `json:"icon,omitempty"`
	Badge              string      `json:"badge,omitempty"`
	Tag                string      `json:"tag"`
	Data               PayloadData `json:"data"`
	Actions            []Action    `json:"actions"`
	Vibrate            []int       `json:"vibrate"`
	RequireInteraction bool        `json:"requireInteraction"`
}

// timestampLayout matches JavaScript Date.toISOString: UTC, always millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// PayloadOptions controls the static parts of a payload.
type PayloadOptions struct {
	Icon  string // Defaults to /vite.svg
	Badge string // Defaults to Icon
	URL   string // Target URL opened on click, defaults to /
}

// Tag returns the stable notification tag for a reminder. Devices replace an
// existing notification carrying the same tag instead of stacking a new one.
func Tag(reminderID string) string {
	return "reminder-" + reminderID
}

// DefaultActions returns the fixed action set of a reminder notification.
func DefaultActions() []Action {
	return []Action{
		{Action: ActionMarkComplete, Title: markCompleteTitle},
		{Action: ActionView, Title: viewTitle},
	}
}

// BuildPayload builds the notification payload for a reminder.
func BuildPayload(r *Reminder, opts PayloadOptions, now time.Time) *Payload {
	icon := opts.Icon
	if icon == "" {
		icon = "/vite.svg"
	}
	badge := opts.Badge
	if badge == "" {
		badge = icon
	}
	target := opts.URL
	if target == "" {
		target = "/"
	}
	body := r.Description
	if body == "" {
		body = defaultBody
	}

	return &Payload{
		Title: titlePrefix + r.Title,
		Body:  body,
		Icon:  icon,
		Badge: badge,
		Tag:   Tag(r.ID),
		Data: PayloadData{
			ReminderID: r.ID,
			URL:        target,
			Timestamp:  now.UTC().Format(timestampLayout),
		},
		Actions:            DefaultActions(),
		RequireInteraction: true,
		Vibrate:            []int{200, 100, 200},
	}
}
