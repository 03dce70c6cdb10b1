package model

// CommandStatusCode classifies one command id listed in a request manifest.
type CommandStatusCode int

const (
	CommandActionable CommandStatusCode = iota
	CommandCompleted
	CommandNotApplicable
	CommandIgnored
	CommandUnknown
	CommandNotAvailable
	CommandMissing
	CommandUndetermined
)

var commandStatusNames = map[CommandStatusCode]string{
	CommandActionable:    "valid",
	CommandCompleted:     "completed",
	CommandNotApplicable: "not_applicable",
	CommandIgnored:       "ignored",
	CommandUnknown:       "unknown_command",
	CommandNotAvailable:  "not_available",
	CommandMissing:       "missing",
	CommandUndetermined:  "undetermined",
}

func (c CommandStatusCode) String() string {
	if s, ok := commandStatusNames[c]; ok {
		return s
	}
	return "invalid"
}

// StatusFromState maps a stored command row to its status code.
func StatusFromState(s *CommandState) CommandStatusCode {
	switch {
	case s.IsComplete:
		return CommandCompleted
	case s.NotApplicable:
		return CommandNotApplicable
	case s.IgnoreCommand:
		return CommandIgnored
	default:
		return CommandActionable
	}
}
