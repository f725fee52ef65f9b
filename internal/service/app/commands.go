package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"e2e_groupchat/internal/protocol/conversation"
	"e2e_groupchat/internal/protocol/session"
)

type CommandKind int

const (
	CmdSend CommandKind = iota
	CmdNew
	CmdInvite
	CmdSwitch
	CmdLeave
	CmdKeys
	CmdList
	CmdWho
	CmdHelp
	CmdQuit
)

type Command struct {
	Kind CommandKind
	Arg  string
}

var (
	ErrUnknownCommand  = errors.New("unknown command, try /help")
	ErrMissingArgument = errors.New("missing argument")
	ErrNoConversation  = errors.New("no conversation selected, use /new or /switch")
	ErrAmbiguous       = errors.New("ambiguous conversation prefix")
)

var commands = map[string]struct {
	kind   CommandKind
	needed bool
}{
	"/new":    {CmdNew, false},
	"/invite": {CmdInvite, true},
	"/switch": {CmdSwitch, true},
	"/leave":  {CmdLeave, false},
	"/keys":   {CmdKeys, false},
	"/list":   {CmdList, false},
	"/who":    {CmdWho, false},
	"/help":   {CmdHelp, false},
	"/quit":   {CmdQuit, false},
}

const helpText = `/new               start a conversation
/invite <key id>   add an identity to the current conversation
/switch <id>       select a conversation by id prefix
/leave             leave the current conversation
/list              list conversations
/who               list participants of the current conversation
/keys              list known public keys
/quit              leave
anything else is sent to the current conversation`

// ParseCommand reads one input line. Lines starting with "//" send the rest
// as text.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Command{Kind: CmdSend, Arg: line}, nil
	}
	if strings.HasPrefix(line, "//") {
		return Command{Kind: CmdSend, Arg: line[1:]}, nil
	}

	name, arg, _ := strings.Cut(line, " ")
	c, ok := commands[strings.ToLower(name)]
	if !ok {
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	arg = strings.TrimSpace(arg)
	if c.needed && arg == "" {
		return Command{}, fmt.Errorf("%w: %s", ErrMissingArgument, name)
	}
	return Command{Kind: c.kind, Arg: arg}, nil
}

// Controller executes commands against a session and tracks the selected
// conversation. It knows nothing about the screen.
type Controller struct {
	session *session.Session

	mu      sync.Mutex
	current *conversation.Conversation
}

func NewController(s *session.Session) *Controller {
	return &Controller{session: s}
}

func (c *Controller) Current() *conversation.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) Select(conv *conversation.Conversation) {
	c.mu.Lock()
	c.current = conv
	c.mu.Unlock()
}

// Execute runs cmd and returns the lines to show. CmdQuit is left to the
// caller.
func (c *Controller) Execute(ctx context.Context, cmd Command) ([]string, error) {
	switch cmd.Kind {
	case CmdSend:
		conv := c.Current()
		if conv == nil {
			return nil, ErrNoConversation
		}
		if cmd.Arg == "" {
			return nil, nil
		}
		_, err := conv.Send(ctx, cmd.Arg)
		return nil, err

	case CmdNew:
		conv, err := c.session.StartConversation()
		if err != nil {
			return nil, err
		}
		c.Select(conv)
		return []string{"started " + conv.ID()}, nil

	case CmdInvite:
		conv := c.Current()
		if conv == nil {
			return nil, ErrNoConversation
		}
		if err := c.session.Invite(ctx, conv.ID(), cmd.Arg); err != nil {
			return nil, err
		}
		return []string{"invited " + cmd.Arg}, nil

	case CmdSwitch:
		conv, err := c.find(cmd.Arg)
		if err != nil {
			return nil, err
		}
		c.Select(conv)
		return []string{"switched to " + conv.ID()}, nil

	case CmdLeave:
		conv := c.Current()
		if conv == nil {
			return nil, ErrNoConversation
		}
		if err := c.session.Leave(conv.ID()); err != nil {
			return nil, err
		}
		c.Select(nil)
		return []string{"left " + conv.ID()}, nil

	case CmdList:
		var lines []string
		current := c.Current()
		for _, conv := range c.session.Conversations() {
			mark := " "
			if conv == current {
				mark = "*"
			}
			lines = append(lines, fmt.Sprintf("%s %s (%d participants)", mark, conv.ID(), len(conv.Participants())))
		}
		if len(lines) == 0 {
			lines = []string{"no conversations"}
		}
		return lines, nil

	case CmdWho:
		conv := c.Current()
		if conv == nil {
			return nil, ErrNoConversation
		}
		ids := conv.Participants()
		sort.Strings(ids)
		return ids, nil

	case CmdKeys:
		ids := c.session.PublicKeys().IDs()
		sort.Strings(ids)
		lines := make([]string, 0, len(ids))
		for _, id := range ids {
			if id == c.session.ID() {
				lines = append(lines, id+" (you)")
				continue
			}
			lines = append(lines, id)
		}
		return lines, nil

	case CmdHelp:
		return strings.Split(helpText, "\n"), nil
	}
	return nil, nil
}

func (c *Controller) find(prefix string) (*conversation.Conversation, error) {
	var match *conversation.Conversation
	for _, conv := range c.session.Conversations() {
		if !strings.HasPrefix(conv.ID(), prefix) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguous, prefix)
		}
		match = conv
	}
	if match == nil {
		return nil, fmt.Errorf("no conversation %s", prefix)
	}
	return match, nil
}
