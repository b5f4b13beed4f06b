package artifact

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateDiagramSyntaxAccepts(t *testing.T) {
	cases := map[string]string{
		"simple":        "flowchart TD\n  A[Fetch ETH/USD price] --> B{Drop > 5%?}\n  B -->|yes| C[Send alert]\n  B -->|no| D[Wait]",
		"graph keyword": "graph LR\nA-->B",
		"semicolons":    "flowchart TD;\nA --> B; B --> C;",
		"subgraph": `flowchart TD
  subgraph Chainlink
    direction LR
    feed[Price feed] --> compute((Compute))
  end
  compute -.-> notify["Notify (email)"]
  classDef hot fill:#f96
  class notify hot`,
		"comments": "%% generated\nflowchart TD\n%% nodes\nA --> B",
	}
	for name, diagram := range cases {
		if err := ValidateDiagramSyntax(diagram); err != nil {
			t.Fatalf("%s: expected valid diagram, got %v", name, err)
		}
	}
}

func TestValidateDiagramSyntaxRejects(t *testing.T) {
	cases := map[string]struct {
		diagram string
		reason  string
	}{
		"missing header":   {"A --> B", "flowchart header"},
		"sequence diagram": {"sequenceDiagram\nA->>B: hi", "flowchart header"},
		"unclosed":         {"flowchart TD\nA[Fetch --> B", "unclosed"},
		"unbalanced":       {"flowchart TD\nA[Fetch)] --> B", "unbalanced"},
		"unclosed quote":   {"flowchart TD\nA[\"Fetch] --> B", "quote"},
		"dangling edge":    {"flowchart TD\nA -->", "no target"},
		"no edges":         {"flowchart TD\nA[Only node]", "no edges"},
		"open subgraph":    {"flowchart TD\nsubgraph S\nA --> B", "not closed"},
		"stray end":        {"flowchart TD\nA --> B\nend", "without matching"},
		"prose":            {"flowchart TD\nA --> B\n* bullet point", "unexpected statement"},
	}
	for name, tc := range cases {
		err := ValidateDiagramSyntax(tc.diagram)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !strings.Contains(err.Error(), tc.reason) {
			t.Fatalf("%s: expected %q in %q", name, tc.reason, err.Error())
		}
	}
}

func TestValidateDiagramSyntaxEmpty(t *testing.T) {
	for _, diagram := range []string{"", "  \n ", "%% only a comment"} {
		if err := ValidateDiagramSyntax(diagram); !errors.Is(err, ErrEmptyDiagram) {
			t.Fatalf("expected ErrEmptyDiagram for %q, got %v", diagram, err)
		}
	}
}
