package domain

// ToolError is the structured failure returned through the control surface.
type ToolError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Limitations []Limitation   `json:"limitations,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}
