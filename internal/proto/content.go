package proto

import "fmt"

// Content block type tags understood by the completion API.
const (
	BlockText       = "text"
	BlockImageURL   = "image_url"
	BlockInputAudio = "input_audio"
	BlockFile       = "file"
)

// ContentBlock is one entry of an upstream message's content array. Type
// selects which of the optional field groups is populated.
type ContentBlock struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	ImageURL   *ImageURL   `json:"image_url,omitempty"`
	InputAudio *InputAudio `json:"input_audio,omitempty"`
	File       *FileData   `json:"file,omitempty"`
}

// ImageURL wraps an image reference. Inline attachments use data URLs.
type ImageURL struct {
	URL string `json:"url"`
}

// InputAudio carries base64 audio plus its encoding format.
type InputAudio struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// FileData carries an inline document as a data URL plus its filename.
type FileData struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock builds an image content block with the attachment inlined as a
// data URL.
func ImageBlock(att Attachment) ContentBlock {
	return ContentBlock{
		Type:     BlockImageURL,
		ImageURL: &ImageURL{URL: fmt.Sprintf("data:image/%s;base64,%s", att.Format, att.Data)},
	}
}

// AudioBlock builds an audio content block.
func AudioBlock(att Attachment) ContentBlock {
	return ContentBlock{
		Type:       BlockInputAudio,
		InputAudio: &InputAudio{Data: att.Data, Format: att.Format},
	}
}

// DocumentBlock builds a file content block with the PDF inlined as a data
// URL.
func DocumentBlock(doc Document) ContentBlock {
	return ContentBlock{
		Type: BlockFile,
		File: &FileData{
			Filename: doc.Filename,
			FileData: "data:application/pdf;base64," + doc.Data,
		},
	}
}
