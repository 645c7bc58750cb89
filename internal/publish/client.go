package publish

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/carlmjohnson/requests"

	"github.com/msageha/postwatch/internal/model"
)

const userAgent = "postwatch/1.0"

// Client publishes posts through the X API v2: each image is uploaded
// first, then the post is created referencing the returned media IDs.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  http.DefaultClient,
	}
}

// SetHTTPClient overrides the underlying HTTP client (tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

type mediaResponse struct {
	MediaID       string `json:"media_id"`
	MediaIDString string `json:"media_id_string"`
	Data          struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (m *mediaResponse) id() string {
	switch {
	case m.Data.ID != "":
		return m.Data.ID
	case m.MediaIDString != "":
		return m.MediaIDString
	default:
		return m.MediaID
	}
}

type createPostRequest struct {
	Text  string `json:"text,omitempty"`
	Media *struct {
		MediaIDs []string `json:"media_ids"`
	} `json:"media,omitempty"`
}

type createPostResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Publish uploads the post's images and creates the post. The returned
// reference is the created post's ID.
func (c *Client) Publish(ctx context.Context, post *model.Post) (string, error) {
	mediaIDs := make([]string, 0, len(post.Images))
	for _, img := range post.Images {
		id, err := c.uploadMedia(ctx, img)
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", filepath.Base(img), err)
		}
		mediaIDs = append(mediaIDs, id)
	}
	return c.createPost(ctx, post.Text, mediaIDs)
}

func (c *Client) uploadMedia(ctx context.Context, path string) (string, error) {
	mediaType := model.MediaType(path)
	if mediaType == "" {
		return "", fmt.Errorf("unsupported media type for %s", filepath.Base(path))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.WriteField("media_category", "tweet_image"); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.WriteField("media_type", mediaType); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}

	var resp mediaResponse
	err = requests.
		URL(c.baseURL + "/2/media/upload").
		Client(c.httpClient).
		UserAgent(userAgent).
		Bearer(c.accessToken).
		ContentType(mw.FormDataContentType()).
		BodyBytes(body.Bytes()).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("media upload: %w", err)
	}
	if resp.id() == "" {
		return "", fmt.Errorf("media upload response missing media ID")
	}
	return resp.id(), nil
}

func (c *Client) createPost(ctx context.Context, text string, mediaIDs []string) (string, error) {
	payload := createPostRequest{Text: text}
	if len(mediaIDs) > 0 {
		payload.Media = &struct {
			MediaIDs []string `json:"media_ids"`
		}{MediaIDs: mediaIDs}
	}
	if payload.Text == "" && payload.Media == nil {
		return "", fmt.Errorf("post must include text or media")
	}

	var resp createPostResponse
	err := requests.
		URL(c.baseURL + "/2/tweets").
		Client(c.httpClient).
		UserAgent(userAgent).
		Bearer(c.accessToken).
		BodyJSON(&payload).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	return resp.Data.ID, nil
}
