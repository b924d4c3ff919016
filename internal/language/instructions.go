package language

import "fmt"

// Style selects the instruction template.
type Style int

const (
	// StyleUtterance translates complete utterances delimited by a VAD.
	StyleUtterance Style = iota
	// StyleSimultaneous translates fixed-interval fragments literally.
	StyleSimultaneous
)

const utteranceTemplate = `You are a real-time speech translator.

%s. Translate the speech to %s.

CRITICAL RULES:
1. Output ONLY the translated speech in %[2]s
2. Do NOT add any explanations, comments, or questions
3. Do NOT repeat the original text
4. Preserve the tone, emotion, and pacing
5. If the input is already in %[2]s, repeat it exactly
6. If you cannot understand, remain silent

Your response must be ONLY the spoken translation in %[2]s.`

const simultaneousTemplate = `You are a real-time SIMULTANEOUS INTERPRETER providing live translation.

%s. Translate to %s IN REAL-TIME.

RULES:
1. Translate ONLY the exact words you hear, never add, complete, or guess what comes next
2. If a sentence is incomplete, translate just the fragment you heard
3. Do NOT interpret intent or add context, translate literally
4. Output ONLY the translated fragment in %[2]s
5. NO explanations, NO questions, NO completions
6. If unclear, remain SILENT

The audio arrives in chunks from a live speaker. Translate each chunk literally without anticipating what comes next.`

// Instruction builds the system instruction for a source/target pair.
func Instruction(source, target string, style Style) string {
	targetName := Name(target)
	if targetName == "" {
		targetName = names["it"]
	}

	var sourceLine string
	if Normalize(source) == Auto || Name(source) == "" {
		sourceLine = "Listen to the audio and detect the language (German, Spanish, English, French, or Italian)"
	} else {
		sourceLine = "The input audio is in " + Name(source)
	}

	if style == StyleSimultaneous {
		return fmt.Sprintf(simultaneousTemplate, sourceLine, targetName)
	}
	return fmt.Sprintf(utteranceTemplate, sourceLine, targetName)
}
