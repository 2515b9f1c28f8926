package validator

import "regexp"

var codeBlockRe = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")

// validationSystemPrompt is the system prompt for quality assessment.
const validationSystemPrompt = `You are a regulatory document quality reviewer. Judge whether extracted text is a complete, coherent regulatory document.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// validationUserPrompt is the user prompt template. The %s placeholder is
// replaced with the extracted markdown.
const validationUserPrompt = `Review this extracted document for quality problems:

- truncated or cut-off text
- leftover navigation, boilerplate, or cookie banners
- garbled characters or encoding damage
- missing sections a regulatory document would normally have

Extracted document:
---
%s
---

Respond with JSON only:
{"score": 0.0-1.0, "issues": ["..."]}`
