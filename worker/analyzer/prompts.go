package analyzer

import "regexp"

var codeBlockRe = regexp.MustCompile("```(?:json)?\\s*\\n?([\\s\\S]*?)\\n?```")

// analysisSystemPrompt is the system prompt for document site analysis.
const analysisSystemPrompt = `You are a regulatory document classifier. Analyze web pages from government and legal websites and extract structured metadata.

Always respond with valid JSON. Do not include any text outside the JSON object.`

// analysisUserPrompt is the user prompt template. The %s placeholder is
// replaced with the page content in markdown.
const analysisUserPrompt = `Analyze this page and extract the following metadata:

1. **category**: Classify the document type. Choose exactly one:
   - "act" - enacted legislation or statute
   - "bill" - proposed legislation under consideration
   - "directive" - regulatory directive, rule, or order
   - "register" - official register, gazette, or notice listing
   - "other" - anything else

2. **strategy**: The best extraction approach for this page:
   - "html" - the full text is in the page body
   - "pdf" - the substantive content lives in linked PDF files
   - "mixed" - meaningful content in both the page and linked PDFs

3. **summary**: One-sentence description of what this page contains.

Page content:
---
%s
---

Respond with JSON only:
{"category":"...","strategy":"...","summary":"..."}`
