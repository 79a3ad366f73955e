// Package prompt builds the text payloads sent to completion models. All
// builders are pure string functions; model parameters such as temperature,
// JSON mode, and token limits are attached by the caller.
package prompt

import (
	"encoding/json"
	"fmt"
)

// evalPrompt is the shared judgment instruction for evaluation runs.
const evalPrompt = `You are a clinical research expert with knowledge of systematic reviews, RCTs, and observational studies.
Task: Given a clinical question, return a JSON with keys question, answer, evidence-quality, discrepancy, notes.
Allowed values:
- answer: Yes | No | No Evidence
- evidence-quality: High | Moderate | Low | Very Low | Missing
- discrepancy: Yes | No | Missing`

// EvalSystem returns the shared evaluation instruction on its own, suitable
// for a cached system block.
func EvalSystem() string {
	return evalPrompt
}

// EvalQuestion returns the per-item question block paired with EvalSystem.
func EvalQuestion(question string) string {
	return fmt.Sprintf("Question:\n\"\"\"%s\"\"\"", question)
}

// Eval returns the full evaluation prompt for a single clinical question.
func Eval(question string) string {
	return evalPrompt + "\n\n" + EvalQuestion(question)
}

const jsonOnlySuffix = "\n\nYou must respond with valid JSON only."

// JSONOnly appends an explicit strict-JSON instruction. Used for chat models
// whose response-format toggle cannot be relied on.
func JSONOnly(text string) string {
	return text + jsonOnlySuffix
}

// batchPrompt is the long-form judgment template used when preparing provider
// batch files. The question is embedded twice: once for the model to read and
// once inside the response skeleton.
const batchPrompt = `You are a clinical research expert with comprehensive knowledge of systematic reviews, randomized controlled trials (RCTs), and observational studies. Your task is to assess a clinical question and return a structured judgment using evidence-based reasoning.

For the given question, provide:

1. A binary answer: "Yes", "No", or "No Evidence", based on whether the available evidence supports the claim.
2. The overall quality of evidence: choose one from "High", "Moderate", "Low", "Very Low", or "Missing", using standard evidence grading principles (e.g., GRADE).
3. Whether there is a discrepancy in findings across study types, such as a conflict between RCTs and observational studies: "Yes", "No", or "Missing".
4. A brief explanatory note that cites the supporting evidence: include a short direct quote from the evidence when possible; if no direct quote is available, provide a concise paraphrase clearly marked as paraphrase. Keep the note under 35 words and avoid hallucinations.

Here is the clinical question:

"""%s"""

Return your response in the following JSON format:

{
  "question": "%s",
  "answer": "Yes" or "No" or "No Evidence",
  "evidence-quality": "High" or "Moderate" or "Low" or "Very Low" or "Missing",
  "discrepancy": "Yes" or "No" or "Missing",
  "notes": "Brief explanation if needed"
}`

// Batch returns the batch-file prompt for a single clinical question.
func Batch(question string) string {
	return fmt.Sprintf(batchPrompt, question, question)
}

// generatePrompt asks for a small set of QA entries covering one abstract.
const generatePrompt = `You are an expert clinical research assistant and medical researcher.

Given the following abstract, generate a structured set of 2-4 challenging questions that assess intrinsic clinical understanding.
Each question should be answerable as Yes/No/No Evidence and include optional evidence quality and discrepancy fields.

Return a JSON list of 2 to 4 entries, each with keys: question, answer, evidence-quality, discrepancy, notes.

Abstract:`

// Generate returns the question-generation prompt for one abstract.
func Generate(abstract string) string {
	return fmt.Sprintf("%s\n\n\"\"\"\n%s\n\"\"\"", generatePrompt, abstract)
}

// NegateItem is the portion of a QA row embedded in the negation prompt.
type NegateItem struct {
	DOI             string `json:"doi"`
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	EvidenceQuality string `json:"evidence-quality"`
	Discrepancy     string `json:"discrepancy"`
}

const negatePrompt = `You are a clinical research expert.
Negate the 'question' and 'answer' fields following rules:
- Prefer antonymic verb flips (increase/decrease, improve/worsen, promote/inhibit) over 'does not ...'.
- If negation is not logically derivable, set question to "Not applicable" and answer to "Not applicable".
- If original answer is "No Evidence", leave it as "No Evidence".

Return ONLY a JSON object with keys: doi, question, answer, original_question, original_answer, evidence-quality, discrepancy.

Original:`

// Negate returns the negation prompt for one QA row. The original row is
// embedded as indented JSON so quotes inside questions survive intact.
func Negate(item NegateItem) string {
	block, _ := json.MarshalIndent(item, "", "  ")
	return fmt.Sprintf("%s\n%s", negatePrompt, block)
}

// RefineItem is the QA payload embedded in the refinement prompt.
type RefineItem struct {
	Question        string `json:"question"`
	Answer          string `json:"answer"`
	EvidenceQuality string `json:"evidence-quality"`
	Discrepancy     string `json:"discrepancy"`
	Notes           string `json:"notes"`
}

const refinePrompt = `You are an expert clinical research assistant and methodologist.

Given a proposed QA item with fields {question, answer, evidence-quality, discrepancy, notes}, refine it to be:
- faithful to the abstract (do not invent facts),
- unambiguous and concise,
- consistent with allowed value sets.

Allowed values:
- answer: Yes | No | No Evidence
- evidence-quality: High | Moderate | Low | Very Low | Missing
- discrepancy: Yes | No | Missing

Return a single JSON object with keys:
{ "question", "answer", "evidence-quality", "discrepancy", "notes" }

Notes requirement:
- In "notes", briefly cite the supporting evidence: provide a short direct quote when possible; if unavailable, provide a concise paraphrase clearly labeled as paraphrase. Keep under 35 words and avoid hallucinations.`

// Refine returns the refinement prompt for one QA row.
func Refine(item RefineItem) string {
	encoded, _ := json.Marshal(item)
	return fmt.Sprintf("%s\n\nProposed QA item:\n```json\n%s\n```", refinePrompt, encoded)
}

// guidelinePrompt asks for at most one PICO-style question per text slice.
// The worked examples anchor the output shape.
const guidelinePrompt = `You are an expert clinical research assistant.

Given the following text from a guideline, generate **0 or 1 challenging clinical Yes/No/No evidence questions**.
- The question must be **specific and clinically actionable**, ideally involving a population, an intervention (or exposure), and an outcome (PICO style).
- The question must be direct clinical knowledge, **answerable without external context**, purely based on the text.
- Do **not** create questions about whether the guideline itself recommends, updates, or discusses a topic. Only ask questions that can be understood as standalone clinical facts.
- If there is insufficient content to form a **high-quality** question, return an **empty JSON array []**.

---
Here are examples to guide your style:

[
  {
    "question": "In adults with chronic heart failure, does exercise therapy improve quality of life?",
    "answer": "Yes",
    "category": "heart failure",
    "supporting_snippet": "The text reports improved quality of life scores with exercise therapy."
  },
  {
    "question": "For women with urinary incontinence, does pelvic floor muscle training reduce episodes of incontinence?",
    "answer": "Yes",
    "category": "urinary incontinence",
    "supporting_snippet": "The text states fewer episodes of incontinence with pelvic floor exercises."
  },
  {
    "question": "In patients without cardiovascular risk factors, does daily aspirin reduce the incidence of major cardiovascular events?",
    "answer": "No",
    "category": "cardiovascular prevention",
    "supporting_snippet": "The text states aspirin does not reduce events in low-risk individuals."
  }
]

---
Now, based on the following guideline text, generate a similar question.

Return strictly as a JSON array of objects like above.

Text:`

// Guideline returns the QA-generation prompt for one guideline slice.
func Guideline(text string) string {
	return fmt.Sprintf("%s\n\"\"\"\n%s\n\"\"\"", guidelinePrompt, text)
}
