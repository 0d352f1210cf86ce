package provider

// Voice is a prebuilt provider voice.
type Voice struct {
	Name      string
	Character string
}

// Voices lists the prebuilt voices the TTS models accept.
var Voices = []Voice{
	{"Kore", "firm and confident"},
	{"Puck", "upbeat and energetic"},
	{"Charon", "informative and clear"},
	{"Algieba", "smooth and polished"},
	{"Enceladus", "breathy and intimate"},
	{"Zephyr", "bright and vibrant"},
	{"Aoede", "breezy and natural"},
	{"Callirrhoe", "easy-going and relaxed"},
	{"Despina", "smooth and professional"},
	{"Achernar", "soft and gentle"},
	{"Vindemiatrix", "gentle and warm"},
	{"Sulafat", "warm and inviting"},
	{"Leda", "youthful and fresh"},
	{"Fenrir", "excitable and dynamic"},
	{"Autonoe", "bright and clear"},
	{"Umbriel", "easy-going and calm"},
	{"Iapetus", "clear and precise"},
	{"Erinome", "clear and articulate"},
	{"Algenib", "deep and distinctive"},
	{"Schedar", "even and balanced"},
	{"Gacrux", "mature and authoritative"},
	{"Pulcherrima", "forward and confident"},
	{"Achird", "friendly and approachable"},
	{"Sadachbia", "lively and spirited"},
	{"Zubenelgenubi", "casual and natural"},
	{"Sadaltager", "knowledgeable and wise"},
	{"Laomedeia", "upbeat and cheerful"},
	{"Rasalgethi", "informative and professional"},
	{"Orus", "firm and strong"},
	{"Alnilam", "firm and steady"},
}

// KnownVoice reports whether name is one of the prebuilt voices.
func KnownVoice(name string) bool {
	for _, v := range Voices {
		if v.Name == name {
			return true
		}
	}
	return false
}
