// Package annotations derives reaction, edit, redaction and poll overlays from
// the relation events stored next to their targets.
package annotations

import (
	"cmp"
	"encoding/json"
	"slices"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Summarize computes the overlay of target from the events that relate to it,
// the redactions of target and the redactions of those relations. It returns
// nil when nothing annotates target.
func Summarize(target model.TimelineEvent, related []model.TimelineEvent, me id.UserID) *model.EventAnnotationsSummary {
	related = slices.Clone(related)
	slices.SortStableFunc(related, compareEvents)

	redactedBy := map[id.EventID]id.EventID{}
	for _, evt := range related {
		if evt.Type == event.EventRedaction.Type && evt.Redacts != "" {
			if _, ok := redactedBy[evt.Redacts]; !ok {
				redactedBy[evt.Redacts] = evt.EventID
			}
		}
	}

	summary := &model.EventAnnotationsSummary{EventID: target.EventID}
	if by, ok := redactedBy[target.EventID]; ok {
		summary.Redacted = true
		summary.RedactedBy = by
		return summary
	}

	live := make([]model.TimelineEvent, 0, len(related))
	for _, evt := range related {
		if evt.RelatesTo != target.EventID {
			continue
		}
		if _, redacted := redactedBy[evt.EventID]; redacted {
			continue
		}
		live = append(live, evt)
	}

	summary.Reactions = reactions(live, me)
	summary.Edit = latestEdit(target, live)
	if target.IsPollStart() {
		summary.Poll = tallyPoll(target, live, me)
	}
	if summary.IsEmpty() {
		return nil
	}
	return summary
}

// compareEvents orders by server timestamp, then event id.
func compareEvents(a, b model.TimelineEvent) int {
	if c := cmp.Compare(a.OriginServerTS, b.OriginServerTS); c != 0 {
		return c
	}
	return cmp.Compare(a.EventID, b.EventID)
}

func reactions(related []model.TimelineEvent, me id.UserID) []model.ReactionSummary {
	type senderKey struct {
		sender id.UserID
		key    string
	}
	seen := map[senderKey]bool{}
	index := map[string]int{}
	var out []model.ReactionSummary
	for _, evt := range related {
		if evt.Type != event.EventReaction.Type || evt.RelType != string(event.RelAnnotation) {
			continue
		}
		key := evt.Content().Get(`m\.relates_to.key`).String()
		if key == "" {
			continue
		}
		sk := senderKey{evt.Sender, key}
		if seen[sk] {
			continue
		}
		seen[sk] = true

		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, model.ReactionSummary{Key: key})
		}
		out[i].Count++
		out[i].SourceEvents = append(out[i].SourceEvents, evt.EventID)
		if evt.Sender == me {
			out[i].AddedByMe = true
		}
	}
	slices.SortStableFunc(out, func(a, b model.ReactionSummary) int {
		return cmp.Compare(b.Count, a.Count)
	})
	return out
}

// latestEdit picks the newest replacement sent by the original sender.
func latestEdit(target model.TimelineEvent, related []model.TimelineEvent) *model.EditSummary {
	var edit *model.EditSummary
	for _, evt := range related {
		if evt.RelType != string(event.RelReplace) || evt.Sender != target.Sender {
			continue
		}
		newContent := evt.Content().Get(`m\.new_content`)
		if !newContent.IsObject() {
			continue
		}
		count := 1
		if edit != nil {
			count = edit.Count + 1
		}
		// related is sorted, so the last valid edit wins.
		edit = &model.EditSummary{
			LatestEditID:   evt.EventID,
			Sender:         evt.Sender,
			OriginServerTS: evt.OriginServerTS,
			NewContent:     json.RawMessage(newContent.Raw),
			Count:          count,
		}
	}
	return edit
}

type pollStart struct {
	question      string
	maxSelections int
	options       []model.PollOption
}

func parsePollStart(target model.TimelineEvent) pollStart {
	content := target.Content()
	var p pollStart
	if stable := content.Get(`m\.poll`); stable.Exists() {
		p.question = firstText(stable.Get("question"))
		p.maxSelections = int(stable.Get("max_selections").Int())
		stable.Get("answers").ForEach(func(_, answer gjson.Result) bool {
			p.options = append(p.options, model.PollOption{
				ID:   answer.Get(`m\.id`).String(),
				Text: firstText(answer),
			})
			return true
		})
	} else {
		unstable := content.Get(`org\.matrix\.msc3381\.poll\.start`)
		p.question = unstable.Get(`question.org\.matrix\.msc1767\.text`).String()
		p.maxSelections = int(unstable.Get("max_selections").Int())
		unstable.Get("answers").ForEach(func(_, answer gjson.Result) bool {
			p.options = append(p.options, model.PollOption{
				ID:   answer.Get("id").String(),
				Text: answer.Get(`org\.matrix\.msc1767\.text`).String(),
			})
			return true
		})
	}
	if p.maxSelections < 1 {
		p.maxSelections = 1
	}
	return p
}

// firstText reads the first plain body of an extensible text block.
func firstText(block gjson.Result) string {
	if body := block.Get(`m\.text.0.body`); body.Exists() {
		return body.String()
	}
	return block.Get(`org\.matrix\.msc1767\.text`).String()
}

func selections(evt model.TimelineEvent) []string {
	content := evt.Content()
	answers := content.Get(`m\.selections`)
	if !answers.Exists() {
		answers = content.Get(`org\.matrix\.msc3381\.poll\.response.answers`)
	}
	var out []string
	answers.ForEach(func(_, v gjson.Result) bool {
		out = append(out, v.String())
		return true
	})
	return out
}

func isPollResponse(evt model.TimelineEvent) bool {
	return evt.Type == model.EventPollResponse || evt.Type == model.EventUnstablePollResponse
}

func isPollEnd(evt model.TimelineEvent) bool {
	return evt.Type == model.EventPollEnd || evt.Type == model.EventUnstablePollEnd
}

func tallyPoll(target model.TimelineEvent, related []model.TimelineEvent, me id.UserID) *model.PollSummaryContent {
	start := parsePollStart(target)
	poll := &model.PollSummaryContent{
		Question:      start.question,
		MaxSelections: start.maxSelections,
		Options:       start.options,
		VoteSummary:   map[string]model.VoteInfo{},
	}
	known := map[string]bool{}
	for _, opt := range start.options {
		known[opt.ID] = true
		poll.VoteSummary[opt.ID] = model.VoteInfo{}
	}

	for _, evt := range related {
		if isPollEnd(evt) && evt.Sender == target.Sender {
			poll.Closed = true
			poll.ClosedAt = evt.OriginServerTS
			break
		}
	}

	latest := map[id.UserID]model.TimelineEvent{}
	for _, evt := range related {
		if !isPollResponse(evt) {
			continue
		}
		if poll.Closed && evt.OriginServerTS > poll.ClosedAt {
			continue
		}
		latest[evt.Sender] = evt
	}

	for voter, evt := range latest {
		picked := validSelections(selections(evt), known, start.maxSelections)
		if len(picked) == 0 {
			continue
		}
		poll.Votes = append(poll.Votes, model.PollVote{
			Voter:          voter,
			EventID:        evt.EventID,
			OptionIDs:      picked,
			OriginServerTS: evt.OriginServerTS,
		})
		if voter == me {
			poll.MyVote = picked
		}
	}
	slices.SortFunc(poll.Votes, func(a, b model.PollVote) int {
		if c := cmp.Compare(a.OriginServerTS, b.OriginServerTS); c != 0 {
			return c
		}
		return cmp.Compare(a.EventID, b.EventID)
	})

	poll.TotalVotes = len(poll.Votes)
	counts := map[string]int{}
	for _, vote := range poll.Votes {
		for _, option := range vote.OptionIDs {
			counts[option]++
		}
	}
	for option := range poll.VoteSummary {
		info := model.VoteInfo{Total: counts[option]}
		if poll.TotalVotes > 0 {
			info.Percentage = float64(info.Total) / float64(poll.TotalVotes)
		}
		poll.VoteSummary[option] = info
		poll.WinnerVoteCount = max(poll.WinnerVoteCount, info.Total)
	}
	return poll
}

// validSelections truncates to maxSelections and rejects the whole response when
// it names an unknown answer.
func validSelections(picked []string, known map[string]bool, maxSelections int) []string {
	var out []string
	seen := map[string]bool{}
	for _, option := range picked {
		if !known[option] {
			return nil
		}
		if seen[option] {
			continue
		}
		seen[option] = true
		out = append(out, option)
	}
	if len(out) > maxSelections {
		out = out[:maxSelections]
	}
	return out
}
