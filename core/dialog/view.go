package dialog

// Button is one inline button. Action selects the handler, Arg is its payload.
type Button struct {
	Label  string
	Action string
	Arg    string
}

// Link is a hyperlink rendered inside the view text.
type Link struct {
	Text string
	URL  string
}

// View is a transport-neutral screen. Text is plain; the transport escapes it.
type View struct {
	Text    string
	Error   string
	Link    *Link
	StackID string
	FrameID string
	Rows    [][]Button
}

// Reply is what the transport shows after a handled update.
type Reply struct {
	View View
	// Notice is a short text for the callback answer or a standalone message.
	Notice string
	Alert  bool
	// Plain asks for Notice as a plain message without touching any dialog.
	Plain bool
	// NoView suppresses rendering, e.g. for a suppressed fault.
	NoView bool
}
