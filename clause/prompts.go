package clause

// classifySystemPrompt is the system prompt for module impact classification.
const classifySystemPrompt = `You are a compliance analyst. You decide which modules of a software specification a regulation affects.

Always respond with valid JSON. Do not include any text outside the JSON array.`

// classifyUserPrompt takes the regulation reference, jurisdiction, severity,
// regulation text and the spec summary.
const classifyUserPrompt = `A regulation was published or amended:

Reference: %s
Jurisdiction: %s
Severity: %s
---
%s
---

Specification summary:
---
%s
---

The specification is split into these modules:
- "master_specification" - product scope, features, data flows, non-functional requirements
- "security_blueprint" - encryption, access control, logging, incident response
- "cost_analysis" - infrastructure and compliance costs
- "tech_stack_justification" - chosen technologies and why
- "code_scaffolding" - project structure and generated code outlines

List only the modules whose content must change to comply with the regulation.
Return an empty array if none do.

Respond with JSON only, for example:
["security_blueprint", "master_specification"]`

// diffSystemPrompt is the system prompt for clause diff generation.
const diffSystemPrompt = `You are a compliance engineer. You propose minimal, field-level edits that bring one module of a specification into compliance with a regulation.

Rules:
- Only edit fields that already exist. Address them with clause paths like "encryptionControls[0].algorithm".
- "before" must be copied exactly from the current module.
- Do not restate fields that are already compliant.
- Return an empty array if the module is already compliant.

Always respond with valid JSON. Do not include any text outside the JSON array.`

// diffUserPrompt takes the regulation reference, regulation text, module key
// and the module payload as JSON.
const diffUserPrompt = `Regulation: %s
---
%s
---

Module: %s
Current content:
%s

Respond with JSON only:
[{"clausePath":"...","fieldLabel":"...","before":<current value>,"after":<new value>,"reason":"...","severity":"low|medium|high|critical"}]`
