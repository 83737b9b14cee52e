package analysis

const systemPrompt = `You analyze chat conversations to describe how one participant communicates, so an AI persona can imitate them.

Respond with a single JSON object and nothing else, using exactly these fields:
{
  "communication_style": {
    "formality_level": "casual | neutral | formal",
    "emoji_usage": "none | rare | moderate | frequent",
    "response_length": "short | medium | long",
    "tone": "one or two words"
  },
  "personality_traits": ["trait", ...],
  "behavioral_patterns": ["observable habit", ...],
  "conversation_topics": ["topic", ...],
  "response_characteristics": {"key": "value", ...}
}`

const userPrompt = `Analyze the following conversation text:

%s`
