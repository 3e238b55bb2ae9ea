package envelope

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Topic qualifiers distinguishing commands from events.
const (
	QualifierCmd = "cmd"
	QualifierEvt = "evt"
)

// Topic is the parsed form of a bus topic string:
//
//	{env}.{system}.{cmd|evt}.{producer}.{event-name}.v{n}
//
// Topic strings are discovered from contract files; no component hardcodes
// them.
type Topic struct {
	Env       string
	System    string
	Qualifier string
	Producer  string
	EventName string
	Version   int
}

var segmentRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ParseTopic parses and validates a topic string.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 6 {
		return Topic{}, fmt.Errorf("topic %q: want 6 dot-separated segments, got %d", s, len(parts))
	}
	t := Topic{
		Env:       parts[0],
		System:    parts[1],
		Qualifier: parts[2],
		Producer:  parts[3],
		EventName: parts[4],
	}
	for _, seg := range parts[:5] {
		if !segmentRe.MatchString(seg) {
			return Topic{}, fmt.Errorf("topic %q: invalid segment %q", s, seg)
		}
	}
	if t.Qualifier != QualifierCmd && t.Qualifier != QualifierEvt {
		return Topic{}, fmt.Errorf("topic %q: qualifier must be %q or %q, got %q", s, QualifierCmd, QualifierEvt, t.Qualifier)
	}
	ver := parts[5]
	if !strings.HasPrefix(ver, "v") {
		return Topic{}, fmt.Errorf("topic %q: version segment %q must be v{n}", s, ver)
	}
	n, err := strconv.Atoi(ver[1:])
	if err != nil || n < 1 {
		return Topic{}, fmt.Errorf("topic %q: version segment %q must be v{n} with n >= 1", s, ver)
	}
	t.Version = n
	return t, nil
}

// String renders the canonical topic form.
func (t Topic) String() string {
	return fmt.Sprintf("%s.%s.%s.%s.%s.v%d", t.Env, t.System, t.Qualifier, t.Producer, t.EventName, t.Version)
}

// IsCommand reports whether the topic carries commands.
func (t Topic) IsCommand() bool {
	return t.Qualifier == QualifierCmd
}
