package handshake

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/a-essam23/tablelink/pkg/state"
	"github.com/tidwall/gjson"
)

var (
	// JSON.parse('<escaped json>') as emitted by the server-side template
	escapedBlock = regexp.MustCompile(`JSON\.parse\(\s*'((?:[^'\\]|\\.)*)'\s*\)`)
	// gameData = {...}; immediately closing a script element
	literalBlock = regexp.MustCompile(`(?s)(?:gameData|game\.data)\s*=\s*(\{.*?\})\s*;?\s*</script>`)
)

// GameData is the metadata of the running world as seen by one user.
type GameData struct {
	UserID string
	World  state.WorldSnapshot
	System state.SystemInfo
	Packs  []state.PackInfo
}

// FetchGame loads the authenticated game page and extracts its data block.
// A redirect means the session is not (or no longer) authenticated.
func (c *Client) FetchGame(ctx context.Context) (*GameData, error) {
	resp, err := c.do(ctx, http.MethodGet, "/game", nil)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, &HTTPError{Method: http.MethodGet, Path: "/game", Status: resp.status}
	}
	raw, err := ExtractGameData(resp.body)
	if err != nil {
		return nil, err
	}
	return ParseGameData(raw)
}

// ExtractGameData finds the embedded metadata block, trying the escaped
// JSON.parse form before the literal object form.
func ExtractGameData(page []byte) ([]byte, error) {
	for _, m := range escapedBlock.FindAllSubmatch(page, -1) {
		decoded, err := unescapeJS(string(m[1]))
		if err != nil {
			continue
		}
		if looksLikeGameData([]byte(decoded)) {
			return []byte(decoded), nil
		}
	}
	for _, m := range literalBlock.FindAllSubmatch(page, -1) {
		if looksLikeGameData(m[1]) {
			return m[1], nil
		}
	}
	return nil, ErrNoGameData
}

func looksLikeGameData(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}
	r := gjson.ParseBytes(raw)
	return r.IsObject() && (r.Get("world").Exists() || r.Get("userId").Exists())
}

// unescapeJS decodes the body of a single-quoted JavaScript string literal.
func unescapeJS(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '\\' {
			sb.WriteByte(ch)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape")
		}
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'b':
			sb.WriteByte('\b')
		case 'f':
			sb.WriteByte('\f')
		case '0':
			sb.WriteByte(0)
		case 'x':
			if i+2 >= len(s) {
				return "", fmt.Errorf("short \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("bad \\x escape: %w", err)
			}
			sb.WriteRune(rune(v))
			i += 2
		case 'u':
			if i+4 >= len(s) {
				return "", fmt.Errorf("short \\u escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+5], 16, 16)
			if err != nil {
				return "", fmt.Errorf("bad \\u escape: %w", err)
			}
			// keep the escape so surrogate pairs stay valid JSON
			if v >= 0xD800 && v <= 0xDFFF {
				sb.WriteString(s[i-1 : i+5])
			} else {
				sb.WriteRune(rune(v))
			}
			i += 4
		default:
			// \' \" \\ \/ and unknown escapes stand for the character itself
			sb.WriteByte(s[i])
		}
	}
	return sb.String(), nil
}

// ParseGameData reads world, system, users and packs out of a metadata
// block. The same shape is returned by the "world" event.
func ParseGameData(raw []byte) (*GameData, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid json", ErrNoGameData)
	}
	root := gjson.ParseBytes(raw)
	world := root.Get("world")

	gd := &GameData{
		UserID: root.Get("userId").String(),
		System: state.SystemInfo{
			ID:      firstString(root.Get("system.id"), world.Get("system")),
			Version: firstString(root.Get("system.version"), world.Get("systemVersion")),
			Title:   root.Get("system.title").String(),
		},
	}
	gd.World = state.WorldSnapshot{
		WorldID:       firstString(world.Get("id"), world.Get("name")),
		Title:         world.Get("title").String(),
		Description:   world.Get("description").String(),
		SystemID:      gd.System.ID,
		SystemVersion: gd.System.Version,
		BackgroundURL: world.Get("background").String(),
		Users:         ParseUsers(root.Get("users")),
	}
	if gd.World.WorldID == "" {
		return nil, fmt.Errorf("%w: block carries no world id", ErrNoGameData)
	}

	packs := root.Get("packs")
	if !packs.Exists() {
		packs = world.Get("packs")
	}
	packs.ForEach(func(_, p gjson.Result) bool {
		info := state.PackInfo{
			ID:    firstString(p.Get("id"), p.Get("collection")),
			Type:  firstString(p.Get("type"), p.Get("documentName"), p.Get("entity")),
			Label: p.Get("label").String(),
		}
		if info.ID == "" && p.Get("name").Exists() && p.Get("packageName").Exists() {
			info.ID = p.Get("packageName").String() + "." + p.Get("name").String()
		}
		if info.ID != "" {
			gd.Packs = append(gd.Packs, info)
		}
		return true
	})
	return gd, nil
}

// ParseUsers decodes a user document list into summaries.
func ParseUsers(list gjson.Result) []state.UserSummary {
	var users []state.UserSummary
	list.ForEach(func(_, u gjson.Result) bool {
		if s := ParseUser(u); s.ID != "" {
			users = append(users, s)
		}
		return true
	})
	return users
}

func ParseUser(u gjson.Result) state.UserSummary {
	return state.UserSummary{
		ID:          firstString(u.Get("_id"), u.Get("id")),
		Name:        u.Get("name").String(),
		Role:        state.Role(u.Get("role").Int()),
		Active:      u.Get("active").Bool(),
		Color:       firstString(u.Get("color.css"), u.Get("color")),
		CharacterID: u.Get("character").String(),
	}
}

func firstString(results ...gjson.Result) string {
	for _, r := range results {
		if r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}
