package server

// Response messages. The 400 and 500 texts are part of the public contract
// and must not change.
const (
	MsgInvalidImage   = "Invalid image file"
	MsgNoFace         = "No face detected"
	MsgInternalError  = "Internal Server Error"
	MsgFileRequired   = "File field is required"
	MsgFileTooLarge   = "Image file too large"
	MsgInvalidRequest = "Invalid request body"
	MsgNotFound       = "Not Found"
	MsgNotAllowed     = "Method Not Allowed"
)

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

type HealthResponse struct {
	Status        string   `json:"status"`
	Model         string   `json:"model"`
	EmbeddingSize int      `json:"embedding_size"`
	CPUFeatures   []string `json:"cpu_features"`
}
