package classify

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"tasksift/internal/domain"
)

const (
	bootstrapSystem = `You are an analyst that identifies patterns in project tasks. You output only valid JSON with no additional text.`
	evaluateSystem  = `You are a task classifier. You evaluate whether tasks match a project's criteria. You output only valid JSON with no additional text.`
	pingSystem      = `You are a connectivity check. Reply with the single word OK.`
	refineSystem    = `You are a learning system that refines classification criteria based on user feedback. You output only valid JSON with no additional text.`
)

const criteriaShape = `{
  "summary": "One sentence describing what this project is about",
  "includePatterns": {
    "themes": ["theme1", "theme2"],
    "keywords": ["keyword1", "keyword2"],
    "taskCharacteristics": ["characteristic1"]
  },
  "excludePatterns": {
    "themes": [],
    "keywords": [],
    "taskCharacteristics": []
  },
  "confidenceThreshold": 0.6,
  "learnedRules": []
}`

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// describeTask renders the compact textual record of a task.
func describeTask(t domain.SourceTask, notesLimit int) string {
	parts := []string{"Name: " + t.Name}
	if t.Notes != "" {
		parts = append(parts, "Notes: "+truncate(t.Notes, notesLimit))
	}
	if len(t.Tags) > 0 {
		parts = append(parts, "Tags: "+strings.Join(t.Tags, ", "))
	}
	if t.Assignee != "" {
		parts = append(parts, "Assignee: "+t.Assignee)
	}
	return strings.Join(parts, "\n")
}

func bootstrapPrompt(tasks []domain.SourceTask, notesLimit int) string {
	entries := make([]string, len(tasks))
	for i, t := range tasks {
		entries[i] = fmt.Sprintf("%d. %s", i+1, describeTask(t, notesLimit))
	}
	return fmt.Sprintf(`Analyze these tasks from a project and identify the common themes, patterns, and characteristics that define what belongs in this project.

Tasks:
%s

Return a JSON object with this exact structure:
%s

Be specific about the themes and keywords you observe. Include 3-8 themes and 5-15 keywords.`, strings.Join(entries, "\n\n"), criteriaShape)
}

func evaluatePrompt(tasks []domain.SourceTask, criteriaJSON string, notesLimit int) string {
	entries := make([]string, len(tasks))
	for i, t := range tasks {
		entries[i] = fmt.Sprintf("%d. [GID: %s]\n%s", i+1, t.ID, describeTask(t, notesLimit))
	}
	return fmt.Sprintf(`Given this skill (classification criteria):
%s

Evaluate each of these tasks and score how well they match the criteria (0.0 = no match, 1.0 = perfect match).

Tasks to evaluate:
%s

Return a JSON array with one entry per task:
[
  { "task_gid": "...", "score": 0.85, "reasoning": "Brief explanation" }
]

Consider the include patterns, exclude patterns, and any learned rules. Be calibrated in your scores.`, criteriaJSON, strings.Join(entries, "\n\n"))
}

func refinePrompt(criteriaJSON string, feedback []domain.Feedback, notesLimit int) string {
	entries := make([]string, len(feedback))
	for i, f := range feedback {
		verdict := "REJECTED"
		if f.Approved() {
			verdict = "APPROVED"
		}
		parts := []string{fmt.Sprintf("%d. %q: %s (AI scored: %g)", i+1, f.TaskName, verdict, f.Score)}
		if f.TaskNotes != "" {
			parts = append(parts, "   Notes: "+truncate(f.TaskNotes, notesLimit))
		}
		if f.Comment != "" {
			parts = append(parts, "   User comment: "+f.Comment)
		}
		entries[i] = strings.Join(parts, "\n")
	}
	return fmt.Sprintf(`Here is the current skill (classification criteria):
%s

Here is recent user feedback on task classifications:
%s

Update the skill criteria based on this feedback:
- If approved tasks had low scores, broaden the include patterns
- If rejected tasks had high scores, add exclude patterns or narrow includes
- Add specific learned rules based on user comments
- Adjust the confidence threshold if needed (raise if too many false positives, lower if too many false negatives)

Return the updated skill as a JSON object with the same structure. Keep existing patterns that still apply and add new ones from the feedback.`, criteriaJSON, strings.Join(entries, "\n\n"))
}
