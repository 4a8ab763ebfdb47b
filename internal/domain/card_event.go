package domain

import "fmt"

// CardEventKind classifies the card mutation that produced an event.
type CardEventKind string

const (
	CardEventAssigned     CardEventKind = "assigned"
	CardEventTitleChanged CardEventKind = "title_changed"
	CardEventDueSoon      CardEventKind = "due_soon"
	CardEventMoved        CardEventKind = "moved"
	CardEventOther        CardEventKind = "other"
)

// CardEvent is a card mutation to be distributed to the board.
type CardEvent struct {
	Kind          CardEventKind `json:"kind,omitempty"`
	CardTitle     string        `json:"card_title"`
	Action        string        `json:"action"`
	ProjectName   string        `json:"project_name"`
	TargetUserIDs []string      `json:"target_user_ids,omitempty"`
}

// Line renders the event as "[project] action: card".
func (e CardEvent) Line() string {
	return fmt.Sprintf("[%s] %s: %s", e.ProjectName, e.Action, e.CardTitle)
}

// ShortLine renders the event without the project, for alt texts.
func (e CardEvent) ShortLine() string {
	return fmt.Sprintf("%s: %s", e.Action, e.CardTitle)
}

// KindOrOther returns the event kind, defaulting to CardEventOther.
func (e CardEvent) KindOrOther() CardEventKind {
	if e.Kind == "" {
		return CardEventOther
	}
	return e.Kind
}
