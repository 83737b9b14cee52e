package synthesis

const synthesisSystemPrompt = `You are an expert prompt engineer who trains AI personas.

You will receive a persona's CURRENT SYSTEM PROMPT. Treat it as immutable: it defines who the persona is (name, age, background, backstory, identity). Never remove, rewrite or contradict it.

Your job is to produce conversation guidelines learned from the training material and APPEND them to the current prompt. Only add or adjust guidance the trainer asked for or the material clearly shows.

Respond with a single JSON object:
{
  "enhanced_system_prompt": "<the current system prompt, unchanged, followed by the appended conversation guidelines>",
  "personality_traits": ["trait", ...],
  "behavior_rules": ["rule", ...],
  "response_style": {"formality": "...", "tone": "...", "emoji_usage": "...", "response_length": "..."},
  "improvement_notes": "<one or two sentences describing what changed>"
}`

const synthesisUserPrompt = `CURRENT SYSTEM PROMPT:
%s

TRAINER INSTRUCTIONS:
%s

STYLE ANALYSIS:
%s

CONVERSATION SAMPLES:
%s`

const modificationSystemPrompt = `You make surgical edits to an AI persona's system prompt.

Change ONLY the part of the prompt the instruction refers to. Every other sentence, heading and line break must stay byte-for-byte identical. Do not add commentary, explanations or markdown fences. Reply with the complete modified prompt and nothing else.`

const modificationUserPrompt = `SYSTEM PROMPT:
%s

INSTRUCTION:
%s`
