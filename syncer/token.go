package syncer

import (
	"fmt"
	"strconv"
	"strings"
)

// C_P<position>_S<userID>
// "C_" $POSITION "_" $USERID
//
// Token is the opaque wire form of a session's sync cursor. Position is the
// highest event position the session has been handed; user IDs may contain
// underscores so the user segment is always last.
type Token struct {
	Position int64
	UserID   string
}

func (t Token) String() string {
	return fmt.Sprintf("C_P%d_S%s", t.Position, t.UserID)
}

func ParseToken(since string) (*Token, error) {
	segments := strings.SplitN(since, "_", 3)
	if len(segments) != 3 || segments[0] != "C" {
		return nil, fmt.Errorf("not a sync cursor token: %s", since)
	}
	pos, err := strconv.ParseInt(strings.TrimPrefix(segments[1], "P"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("not a sync cursor token: %s", since)
	}
	return &Token{
		Position: pos,
		UserID:   strings.TrimPrefix(segments[2], "S"),
	}, nil
}
