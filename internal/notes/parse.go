package notes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// stripFences removes a surrounding markdown code fence, with or without a
// language tag.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decodeStrict decodes exactly one JSON value into v and rejects trailing data
func decodeStrict(data string, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON value")
	}
	return nil
}

type actionItemJSON struct {
	Content  string `json:"content"`
	Assignee string `json:"assignee"`
}

// ParseResponse decodes the AI answer for one note type. The answer must be
// a JSON array: strings for most types, {content, assignee} objects for
// action items. "[]" yields no notes and no error.
func ParseResponse(noteType NoteType, raw string) ([]PendingNote, error) {
	body := stripFences(raw)
	if !strings.HasPrefix(body, "[") {
		return nil, &ParseError{NoteType: noteType, Raw: raw, Err: errors.New("response is not a JSON array")}
	}

	var pending []PendingNote

	if noteType == ActionItem {
		var items []actionItemJSON
		if err := decodeStrict(body, &items); err != nil {
			return nil, &ParseError{NoteType: noteType, Raw: raw, Err: err}
		}
		for _, item := range items {
			content := strings.TrimSpace(item.Content)
			if content == "" {
				continue
			}
			pending = append(pending, PendingNote{
				Type:     noteType,
				Content:  content,
				Assignee: strings.TrimSpace(item.Assignee),
			})
		}
		return pending, nil
	}

	var items []string
	if err := decodeStrict(body, &items); err != nil {
		return nil, &ParseError{NoteType: noteType, Raw: raw, Err: err}
	}
	for _, item := range items {
		if content := strings.TrimSpace(item); content != "" {
			pending = append(pending, PendingNote{Type: noteType, Content: content})
		}
	}
	return pending, nil
}

type summaryJSON struct {
	ExecutiveSummary string      `json:"executive_summary"`
	KeyDecisions     []string    `json:"key_decisions"`
	ActionItems      []string    `json:"action_items"`
	Topics           []topicJSON `json:"topics"`
}

// Topic bounds are seconds from the start of the transcript
type topicJSON struct {
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	StartTime float64  `json:"start_time"`
	EndTime   float64  `json:"end_time"`
	KeyPoints []string `json:"key_points"`
}

func parseSummary(raw string) (*Summary, error) {
	body := stripFences(raw)
	var s summaryJSON
	if err := decodeStrict(body, &s); err != nil {
		return nil, &ParseError{NoteType: "summary", Raw: raw, Err: err}
	}
	if strings.TrimSpace(s.ExecutiveSummary) == "" {
		return nil, &ParseError{NoteType: "summary", Raw: raw, Err: errors.New("missing executive_summary")}
	}

	topics := make([]TopicSummary, 0, len(s.Topics))
	for _, t := range s.Topics {
		title := strings.TrimSpace(t.Title)
		if title == "" {
			continue
		}
		start, end := secondsToMs(t.StartTime), secondsToMs(t.EndTime)
		if end < start {
			end = start
		}
		topics = append(topics, TopicSummary{
			ID:        uuid.NewString(),
			Title:     title,
			Summary:   strings.TrimSpace(t.Summary),
			StartMs:   start,
			EndMs:     end,
			KeyPoints: t.KeyPoints,
		})
	}

	return &Summary{
		ExecutiveSummary: strings.TrimSpace(s.ExecutiveSummary),
		KeyDecisions:     s.KeyDecisions,
		ActionItems:      s.ActionItems,
		Topics:           topics,
	}, nil
}

func secondsToMs(seconds float64) uint64 {
	if seconds <= 0 {
		return 0
	}
	return uint64(seconds * 1000)
}
