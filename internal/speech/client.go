package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Client talks to the speech-synthesis service over HTTP.
type Client struct {
	base *url.URL
	key  string
	http *http.Client
}

// NewClient parses baseURL; httpClient may be nil.
func NewClient(baseURL, key string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse speech service url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("speech service url %q must be absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{base: u, key: key, http: httpClient}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends a GET and returns the response body of a 2xx answer.
func (c *Client) do(ctx context.Context, op, path string, query url.Values) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, newServiceError(op, resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out any) error {
	body, err := c.do(ctx, op, path, query)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// Speak requests synthesized audio. The caller closes the returned body.
func (c *Client) Speak(ctx context.Context, text string, params VoiceParams) (io.ReadCloser, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("mode", string(params.Mode))
	q.Set("lang", params.Voice)
	if params.SpeakingRate > 0 {
		q.Set("speaking_rate", strconv.FormatFloat(params.SpeakingRate, 'f', -1, 64))
	}
	return c.do(ctx, "speak", "speak", q)
}

// Voices decodes the raw voice list of a mode into out.
func (c *Client) Voices(ctx context.Context, mode Mode, out any) error {
	q := url.Values{}
	q.Set("mode", string(mode))
	q.Set("raw", "true")
	return c.getJSON(ctx, "voices", "voices", q, out)
}

// TranslationLanguages returns language code -> display name. Codes are
// lowercased.
func (c *Client) TranslationLanguages(ctx context.Context) (map[string]string, error) {
	var raw [][2]string
	if err := c.getJSON(ctx, "translation languages", "translation_languages", nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for _, pair := range raw {
		out[strings.ToLower(pair[0])] = pair[1]
	}
	return out, nil
}

// GoogleVoice is one entry of the raw gCloud voice list.
type GoogleVoice struct {
	Name          string   `json:"name"`
	LanguageCodes []string `json:"languageCodes"`
	SSMLGender    string   `json:"ssmlGender"`
}

// PrepareGCloudVoices groups raw gCloud voices as {language: {variant: gender}}.
// "en-US-Standard-A" becomes variant "A"; other kinds keep their full
// suffix, e.g. "Wavenet-F".
func PrepareGCloudVoices(raw []GoogleVoice) map[string]map[string]string {
	out := make(map[string]map[string]string)
	for _, v := range raw {
		parts := strings.SplitN(v.Name, "-", 3)
		if len(parts) < 3 || len(v.LanguageCodes) == 0 {
			continue
		}
		variant := parts[2]
		if kind, rest, ok := strings.Cut(variant, "-"); ok && kind == "Standard" {
			variant = rest
		}
		lang := v.LanguageCodes[0]
		if out[lang] == nil {
			out[lang] = make(map[string]string)
		}
		out[lang][variant] = v.SSMLGender
	}
	return out
}

// GCloudVoiceNames flattens prepared voices into "lang variant" names, sorted.
func GCloudVoiceNames(prepared map[string]map[string]string) []string {
	var names []string
	for lang, variants := range prepared {
		for variant := range variants {
			names = append(names, lang+" "+variant)
		}
	}
	sort.Strings(names)
	return names
}
