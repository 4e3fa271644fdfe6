// ABOUTME: Full-text expression parsing and term scoring
// ABOUTME: Matching is case-insensitive substring search over text properties

package query

import (
	"fmt"
	"strings"

	"github.com/nainya/contentstore/pkg/nodetype"
	"github.com/nainya/contentstore/pkg/tree"
	"github.com/nainya/contentstore/pkg/value"
)

// field weights; properties not listed weigh 1
var fieldWeights = map[string]float64{
	"jcr:title":       3,
	"jcr:description": 2,
}

type ftTerm struct {
	text    string
	exclude bool
}

// fullText is a disjunction of term conjunctions
type fullText struct {
	property string
	clauses  [][]ftTerm
}

func parseFullText(expr, property string) (*fullText, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	ft := &fullText{property: property}
	var clause []ftTerm
	closeClause := func() error {
		positive := false
		for _, t := range clause {
			positive = positive || !t.exclude
		}
		if !positive {
			return fmt.Errorf("full-text expression %q has an alternative without search terms", expr)
		}
		ft.clauses = append(ft.clauses, clause)
		clause = nil
		return nil
	}
	for _, tok := range tokens {
		if tok.text == "OR" && !tok.quoted {
			if err := closeClause(); err != nil {
				return nil, err
			}
			continue
		}
		clause = append(clause, ftTerm{text: strings.ToLower(tok.text), exclude: tok.exclude})
	}
	if err := closeClause(); err != nil {
		return nil, err
	}
	return ft, nil
}

type ftToken struct {
	text    string
	quoted  bool
	exclude bool
}

func tokenize(expr string) ([]ftToken, error) {
	var out []ftToken
	rest := strings.TrimSpace(expr)
	for rest != "" {
		var tok ftToken
		if strings.HasPrefix(rest, "-") && len(rest) > 1 && rest[1] != ' ' {
			tok.exclude = true
			rest = rest[1:]
		}
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated phrase in %q", expr)
			}
			tok.text = rest[1 : end+1]
			tok.quoted = true
			rest = rest[end+2:]
			if strings.TrimSpace(tok.text) == "" {
				return nil, fmt.Errorf("empty phrase in %q", expr)
			}
		} else {
			end := strings.IndexByte(rest, ' ')
			if end < 0 {
				end = len(rest)
			}
			tok.text = rest[:end]
			rest = rest[end:]
		}
		out = append(out, tok)
		rest = strings.TrimLeft(rest, " ")
	}
	return out, nil
}

// texts collects the lowercased searchable text of n with its weight
func (ft *fullText) texts(n *tree.Node) ([]string, []float64) {
	var texts []string
	var weights []float64
	for _, p := range n.Properties() {
		if ft.property != "" && p.Name != ft.property {
			continue
		}
		if p.Name == nodetype.JcrPrimaryType || p.Name == nodetype.JcrMixinTypes {
			continue
		}
		if p.Type != value.String && p.Type != value.URI {
			continue
		}
		w, ok := fieldWeights[p.Name]
		if !ok {
			w = 1
		}
		for _, v := range p.Values {
			texts = append(texts, strings.ToLower(v.String()))
			weights = append(weights, w)
		}
	}
	return texts, weights
}

// score returns the summed weight of the positive terms found in the first
// matching alternative, or 0 when no alternative matches
func (ft *fullText) score(n *tree.Node) float64 {
	if n == nil {
		return 0
	}
	texts, weights := ft.texts(n)
	for _, clause := range ft.clauses {
		score, ok := scoreClause(clause, texts, weights)
		if ok {
			return score
		}
	}
	return 0
}

func (ft *fullText) matches(n *tree.Node) bool {
	return ft.score(n) > 0
}

func scoreClause(clause []ftTerm, texts []string, weights []float64) (float64, bool) {
	score := 0.0
	for _, term := range clause {
		found := 0.0
		for i, text := range texts {
			if strings.Contains(text, term.text) {
				found += weights[i]
			}
		}
		if term.exclude {
			if found > 0 {
				return 0, false
			}
			continue
		}
		if found == 0 {
			return 0, false
		}
		score += found
	}
	return score, true
}
