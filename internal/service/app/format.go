package app

import (
	"fmt"

	"e2e_groupchat/internal/protocol/conversation"

	"github.com/rivo/tview"
)

const shortID = 8

func short(id string) string {
	if len(id) <= shortID {
		return id
	}
	return id[:shortID]
}

// FormatEvent renders ev as a chatbox line. Events of conversations other
// than the selected one carry the conversation prefix.
func FormatEvent(ev conversation.Event, self string, selected bool) string {
	prefix := ""
	if !selected {
		prefix = fmt.Sprintf("[gray]<%s>[-] ", short(ev.ConversationID))
	}
	ts := ev.Timestamp.Format("15:04:05")

	switch ev.Kind {
	case conversation.EventSent:
		return fmt.Sprintf("%s%s [yellow]You:[-] %s", prefix, ts, tview.Escape(ev.Text))
	case conversation.EventReceived:
		return fmt.Sprintf("%s%s [green]%s:[-] %s", prefix, ts, short(ev.SenderID), tview.Escape(ev.Text))
	case conversation.EventReceipt:
		return fmt.Sprintf("%s[gray]%s read %s[-]", prefix, short(ev.SenderID), short(ev.MessageID))
	case conversation.EventUndecryptable:
		return fmt.Sprintf("%s[red]could not decrypt %s from %s[-]", prefix, short(ev.MessageID), short(ev.SenderID))
	case conversation.EventParticipantJoined:
		if ev.Participant == self {
			return ""
		}
		return fmt.Sprintf("%s[blue]%s joined[-]", prefix, short(ev.Participant))
	}
	return ""
}
