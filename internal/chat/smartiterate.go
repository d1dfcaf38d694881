package chat

// IterateContext is the multi-turn clarification context derived from the
// timeline. An empty OriginalPrompt means the context is unavailable and no
// follow-up may be sent.
type IterateContext struct {
	OriginalPrompt   string `json:"originalPrompt"`
	ReviewerOutput   string `json:"reviewerOutput"`
	QuestionerOutput string `json:"questionerOutput"`
}

// DeriveContext walks the timeline backward collecting the most recent
// questioner, reviewer, and original-prompt texts. Enhancer and plain chat
// items mark the boundary of a prior, already-resolved iteration cycle;
// scanning past them would pick up stale context, so the walk stops there.
func DeriveContext(t *Timeline) IterateContext {
	var ctx IterateContext

	items := t.Items()
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]

		switch {
		case item.TextOfKind(TextQuestioner) && ctx.QuestionerOutput == "":
			ctx.QuestionerOutput = item.Text.Content
		case item.TextOfKind(TextReviewer) && ctx.ReviewerOutput == "":
			ctx.ReviewerOutput = item.Text.Content
		case ctx.OriginalPrompt == "" && item.TextOfKind(TextUserOriginal):
			ctx.OriginalPrompt = item.Text.Content
		case ctx.OriginalPrompt == "" && item.Kind == KindUser:
			ctx.OriginalPrompt = item.User.Content
		}

		if ctx.OriginalPrompt != "" && ctx.ReviewerOutput != "" && ctx.QuestionerOutput != "" {
			break
		}
		if item.TextOfKind(TextEnhancer) || item.TextOfKind(TextChat) {
			break
		}
	}

	return ctx
}

// NeedsReply reports whether the UI should offer the clarification-reply
// affordance: not busy, and the last item is a non-aborted questioner.
func NeedsReply(t *Timeline, busy bool) bool {
	if busy {
		return false
	}
	last := t.Last()
	if !last.TextOfKind(TextQuestioner) {
		return false
	}
	return !last.Text.Aborted
}
