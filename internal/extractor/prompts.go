package extractor

const visionSystemPrompt = `You transcribe screenshots of chat conversations for persona training.`

const visionUserPrompt = `Extract all text from this image. Preserve the conversation structure: put each message on its own line, prefixed with the speaker's name or "Speaker A:" / "Speaker B:" when no name is visible. Keep emojis, slang and punctuation exactly as written. Do not summarize, translate or add commentary. If the image contains no readable text, reply with an empty string.`
