package annotations

import (
	"encoding/json"
	"testing"

	"github.com/chirino/room-timeline/internal/model"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const (
	alice = id.UserID("@alice:example.org")
	bob   = id.UserID("@bob:example.org")
	carol = id.UserID("@carol:example.org")
)

func mkEvent(t *testing.T, eventID string, sender id.UserID, ts int64, eventType string, content map[string]any) model.TimelineEvent {
	t.Helper()
	raw := map[string]any{
		"event_id":         eventID,
		"type":             eventType,
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          content,
	}
	if eventType == "m.room.redaction" {
		raw["redacts"] = content["redacts"]
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	evt, err := model.ParseEvent("!room:example.org", data)
	require.NoError(t, err)
	return evt
}

func message(t *testing.T, eventID string, sender id.UserID, ts int64) model.TimelineEvent {
	return mkEvent(t, eventID, sender, ts, "m.room.message", map[string]any{"msgtype": "m.text", "body": "hi"})
}

func reaction(t *testing.T, eventID string, sender id.UserID, ts int64, target, key string) model.TimelineEvent {
	return mkEvent(t, eventID, sender, ts, "m.reaction", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.annotation", "event_id": target, "key": key},
	})
}

func edit(t *testing.T, eventID string, sender id.UserID, ts int64, target, body string) model.TimelineEvent {
	return mkEvent(t, eventID, sender, ts, "m.room.message", map[string]any{
		"msgtype":       "m.text",
		"body":          "* " + body,
		"m.new_content": map[string]any{"msgtype": "m.text", "body": body},
		"m.relates_to":  map[string]any{"rel_type": "m.replace", "event_id": target},
	})
}

func redaction(t *testing.T, eventID string, sender id.UserID, ts int64, target string) model.TimelineEvent {
	return mkEvent(t, eventID, sender, ts, "m.room.redaction", map[string]any{"redacts": target})
}

func stablePoll(t *testing.T, eventID string, maxSelections int) model.TimelineEvent {
	return mkEvent(t, eventID, alice, 1, "m.poll.start", map[string]any{
		"m.poll": map[string]any{
			"kind":           "m.disclosed",
			"max_selections": maxSelections,
			"question":       map[string]any{"m.text": []map[string]any{{"body": "Lunch?"}}},
			"answers": []map[string]any{
				{"m.id": "pizza", "m.text": []map[string]any{{"body": "Pizza"}}},
				{"m.id": "sushi", "m.text": []map[string]any{{"body": "Sushi"}}},
			},
		},
	})
}

func vote(t *testing.T, eventID string, sender id.UserID, ts int64, poll string, answers ...string) model.TimelineEvent {
	return mkEvent(t, eventID, sender, ts, "m.poll.response", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.reference", "event_id": poll},
		"m.selections": answers,
	})
}

func pollEnd(t *testing.T, eventID string, sender id.UserID, ts int64, poll string) model.TimelineEvent {
	return mkEvent(t, eventID, sender, ts, "m.poll.end", map[string]any{
		"m.relates_to": map[string]any{"rel_type": "m.reference", "event_id": poll},
	})
}

func TestSummarize_NothingRelated(t *testing.T) {
	require.Nil(t, Summarize(message(t, "$m", alice, 1), nil, alice))
}

func TestSummarize_Reactions(t *testing.T) {
	target := message(t, "$m", alice, 1)
	related := []model.TimelineEvent{
		reaction(t, "$r1", bob, 2, "$m", "👍"),
		reaction(t, "$r2", alice, 3, "$m", "👍"),
		reaction(t, "$r3", bob, 4, "$m", "👍"),
		reaction(t, "$r4", carol, 5, "$m", "🎉"),
		reaction(t, "$r5", carol, 6, "$m", "😢"),
		redaction(t, "$x", carol, 7, "$r5"),
	}

	summary := Summarize(target, related, alice)
	require.NotNil(t, summary)
	require.Equal(t, []model.ReactionSummary{
		{Key: "👍", Count: 2, AddedByMe: true, SourceEvents: []id.EventID{"$r1", "$r2"}},
		{Key: "🎉", Count: 1, SourceEvents: []id.EventID{"$r4"}},
	}, summary.Reactions)
}

func TestSummarize_LatestEditFromOriginalSender(t *testing.T) {
	target := message(t, "$m", alice, 1)
	related := []model.TimelineEvent{
		edit(t, "$e2", alice, 5, "$m", "second"),
		edit(t, "$e1", alice, 2, "$m", "first"),
		edit(t, "$e3", bob, 9, "$m", "hijack"),
		edit(t, "$e4", alice, 5, "$m", "tie wins by id"),
	}

	summary := Summarize(target, related, alice)
	require.NotNil(t, summary.Edit)
	require.Equal(t, id.EventID("$e4"), summary.Edit.LatestEditID)
	require.Equal(t, 3, summary.Edit.Count)
	require.JSONEq(t, `{"msgtype":"m.text","body":"tie wins by id"}`, string(summary.Edit.NewContent))
}

func TestSummarize_RedactedEventDropsAnnotations(t *testing.T) {
	target := message(t, "$m", alice, 1)
	related := []model.TimelineEvent{
		reaction(t, "$r1", bob, 2, "$m", "👍"),
		edit(t, "$e1", alice, 3, "$m", "changed"),
		redaction(t, "$x", alice, 4, "$m"),
	}

	summary := Summarize(target, related, alice)
	require.Equal(t, &model.EventAnnotationsSummary{EventID: "$m", Redacted: true, RedactedBy: "$x"}, summary)
}

func TestSummarize_PollTally(t *testing.T) {
	poll := stablePoll(t, "$poll", 1)

	summary := Summarize(poll, []model.TimelineEvent{vote(t, "$v1", bob, 2, "$poll", "pizza")}, alice)
	require.NotNil(t, summary.Poll)
	require.Equal(t, "Lunch?", summary.Poll.Question)
	require.Equal(t, 1, summary.Poll.TotalVotes)
	require.Equal(t, model.VoteInfo{Total: 1, Percentage: 1.0}, summary.Poll.VoteSummary["pizza"])
	require.Equal(t, model.VoteInfo{}, summary.Poll.VoteSummary["sushi"])

	summary = Summarize(poll, []model.TimelineEvent{
		vote(t, "$v1", bob, 2, "$poll", "pizza"),
		vote(t, "$v2", alice, 3, "$poll", "sushi"),
	}, alice)
	require.Equal(t, 2, summary.Poll.TotalVotes)
	require.Equal(t, model.VoteInfo{Total: 1, Percentage: 0.5}, summary.Poll.VoteSummary["pizza"])
	require.Equal(t, model.VoteInfo{Total: 1, Percentage: 0.5}, summary.Poll.VoteSummary["sushi"])
	require.Equal(t, 1, summary.Poll.WinnerVoteCount)
	require.Equal(t, []string{"sushi"}, summary.Poll.MyVote)
}

func TestSummarize_PollKeepsLatestVotePerVoter(t *testing.T) {
	poll := stablePoll(t, "$poll", 1)
	summary := Summarize(poll, []model.TimelineEvent{
		vote(t, "$v2", bob, 5, "$poll", "sushi"),
		vote(t, "$v1", bob, 2, "$poll", "pizza"),
	}, alice)
	require.Equal(t, 1, summary.Poll.TotalVotes)
	require.Equal(t, 1, summary.Poll.VoteSummary["sushi"].Total)
	require.Equal(t, 0, summary.Poll.VoteSummary["pizza"].Total)
}

func TestSummarize_PollSpoiledAndTruncatedVotes(t *testing.T) {
	poll := stablePoll(t, "$poll", 1)
	summary := Summarize(poll, []model.TimelineEvent{
		vote(t, "$v1", bob, 2, "$poll", "pizza", "sushi"),
		vote(t, "$v2", carol, 3, "$poll", "tacos"),
	}, alice)
	require.Equal(t, 1, summary.Poll.TotalVotes)
	require.Equal(t, []string{"pizza"}, summary.Poll.Votes[0].OptionIDs)
}

func TestSummarize_PollClosedByCreatorOnly(t *testing.T) {
	poll := stablePoll(t, "$poll", 1)
	summary := Summarize(poll, []model.TimelineEvent{
		vote(t, "$v1", bob, 2, "$poll", "pizza"),
		pollEnd(t, "$fake", bob, 3, "$poll"),
		pollEnd(t, "$end", alice, 4, "$poll"),
		vote(t, "$v2", carol, 5, "$poll", "sushi"),
	}, alice)
	require.True(t, summary.Poll.Closed)
	require.EqualValues(t, 4, summary.Poll.ClosedAt)
	require.Equal(t, 1, summary.Poll.TotalVotes)
	require.Equal(t, 0, summary.Poll.VoteSummary["sushi"].Total)
}

func TestSummarize_UnstablePoll(t *testing.T) {
	poll := mkEvent(t, "$poll", alice, 1, "org.matrix.msc3381.poll.start", map[string]any{
		"org.matrix.msc3381.poll.start": map[string]any{
			"max_selections": 2,
			"question":       map[string]any{"org.matrix.msc1767.text": "Colour?"},
			"answers": []map[string]any{
				{"id": "red", "org.matrix.msc1767.text": "Red"},
				{"id": "blue", "org.matrix.msc1767.text": "Blue"},
			},
		},
	})
	response := mkEvent(t, "$v1", bob, 2, "org.matrix.msc3381.poll.response", map[string]any{
		"m.relates_to":                     map[string]any{"rel_type": "m.reference", "event_id": "$poll"},
		"org.matrix.msc3381.poll.response": map[string]any{"answers": []string{"red", "blue"}},
	})

	summary := Summarize(poll, []model.TimelineEvent{response}, alice)
	require.Equal(t, "Colour?", summary.Poll.Question)
	require.Equal(t, []model.PollOption{{ID: "red", Text: "Red"}, {ID: "blue", Text: "Blue"}}, summary.Poll.Options)
	require.Equal(t, 1, summary.Poll.TotalVotes)
	require.Equal(t, 1, summary.Poll.VoteSummary["red"].Total)
	require.Equal(t, 1, summary.Poll.VoteSummary["blue"].Total)
}
