package ingest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/freeeve/pgn/v3"
	"github.com/rs/zerolog"

	"github.com/freeeve/openingstats/internal/stats"
	"github.com/freeeve/openingstats/internal/universe"
)

// MaxPlies caps position replay at 35 full moves; openings are decided long
// before that and deeper positions are never in the universe.
const MaxPlies = 70

var (
	tagRegex        = regexp.MustCompile(`^\[(\w+)\s+"(.*)"\]`)
	moveNumberRegex = regexp.MustCompile(`^\d+\.*$`)
	movePrefixRegex = regexp.MustCompile(`^\d+\.+`)
)

// Parser turns one textual game record into a batch of position updates.
type Parser struct {
	uni       *universe.Universe
	maxPlies  int
	ratingMin int
	log       zerolog.Logger
}

// NewParser creates a parser over the tracked universe. ratingMin of 0
// disables the rating floor; games with a missing or zero rating are always
// discarded as unreliable signal.
func NewParser(uni *universe.Universe, ratingMin int, log zerolog.Logger) *Parser {
	return &Parser{
		uni:       uni,
		maxPlies:  MaxPlies,
		ratingMin: ratingMin,
		log:       log,
	}
}

// ParseGame returns the updates contributed by one game record, or nil if
// the record is unusable. All updates carry the same average rating and
// result; the caller applies them as one batch.
func (p *Parser) ParseGame(record string) []stats.Update {
	tags, movetext := splitRecord(record)

	whiteRating := parseRating(tags["WhiteElo"])
	blackRating := parseRating(tags["BlackElo"])
	if whiteRating == 0 || blackRating == 0 {
		return nil
	}
	if whiteRating < p.ratingMin || blackRating < p.ratingMin {
		return nil
	}

	avgRating := float64(whiteRating+blackRating) / 2
	result := tags["Result"]

	var updates []stats.Update
	pos := pgn.NewStartingPosition()
	plies := 0

	for _, san := range movetextTokens(movetext) {
		if plies >= p.maxPlies {
			break
		}

		// Record the position before the move is applied.
		key := pos.Pack()
		if p.uni.Contains(key) {
			updates = append(updates, stats.Update{Key: key, Rating: avgRating, Result: result})
		}

		mv, err := pgn.ParseSAN(pos, san)
		if err != nil {
			// Keep whatever was collected up to the unparseable move.
			break
		}
		if err := pgn.ApplyMove(pos, mv); err != nil {
			break
		}
		plies++
	}

	return updates
}

// splitRecord separates the tag pair section from the movetext.
func splitRecord(record string) (map[string]string, string) {
	tags := make(map[string]string)
	var moves strings.Builder

	for _, line := range strings.Split(record, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "[") {
			if m := tagRegex.FindStringSubmatch(trimmed); m != nil {
				tags[m[1]] = m[2]
				continue
			}
		}
		moves.WriteString(trimmed)
		moves.WriteByte(' ')
	}
	return tags, moves.String()
}

// movetextTokens extracts SAN tokens from movetext, dropping brace comments
// (including lichess %clk/%eval annotations), parenthesized variations,
// NAGs, move numbers and result tokens.
func movetextTokens(movetext string) []string {
	var tokens []string
	var b strings.Builder
	inComment := false
	variationDepth := 0

	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()

		if moveNumberRegex.MatchString(tok) {
			return
		}
		tok = movePrefixRegex.ReplaceAllString(tok, "")
		switch tok {
		case "", "1-0", "0-1", "1/2-1/2", "*":
			return
		}
		if tok[0] == '$' {
			return
		}
		// Strip check/mate markers and annotation glyphs.
		tok = strings.TrimRight(tok, "+#!?")
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}

	for _, r := range movetext {
		switch {
		case inComment:
			if r == '}' {
				inComment = false
			}
		case r == '{':
			flush()
			inComment = true
		case r == '(':
			flush()
			variationDepth++
		case r == ')':
			flush()
			if variationDepth > 0 {
				variationDepth--
			}
		case variationDepth > 0:
			// Skip variation content.
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()

	return tokens
}

func parseRating(s string) int {
	if s == "" || s == "?" || s == "-" {
		return 0
	}
	r, _ := strconv.Atoi(s)
	return r
}
