package types

type RequestSend struct {
	Destination string `json:"destination"`
	Body        string `json:"body"`
	InstanceID  string `json:"instance_id"`
	ImageBase64 string `json:"image_base64"`
	ImageMime   string `json:"image_mime"`
}

type RequestBroadcast struct {
	Destinations []string `json:"destinations"`
	Body         string   `json:"body"`
	InstanceID   string   `json:"instance_id"`
	ImageBase64  string   `json:"image_base64"`
	ImageMime    string   `json:"image_mime"`
}

type RequestCreateInstance struct {
	ID string `json:"id"`
}
