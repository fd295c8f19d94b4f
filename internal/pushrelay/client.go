package pushrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Doer is satisfied by *Executor; tests substitute their own.
type Doer interface {
	Execute(ctx context.Context, req Request) (Response, error)
}

type Client struct {
	exec Doer
}

func NewClient(exec Doer) *Client {
	return &Client{exec: exec}
}

type ListOptions struct {
	Page    int
	PerPage int
	Search  string
}

func (o ListOptions) params() map[string]any {
	params := map[string]any{}
	if o.Page > 0 {
		params["page"] = o.Page
	}
	if o.PerPage > 0 {
		params["results_per_page"] = o.PerPage
	}
	if search := strings.TrimSpace(o.Search); search != "" {
		params["search"] = search
	}
	return params
}

type Page[T any] struct {
	Items      []T
	Total      int
	TotalPages int
}

type User struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Website struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Host             string `json:"host"`
	Path             string `json:"path"`
	PixelKey         string `json:"pixel_key"`
	IsEnabled        int    `json:"is_enabled"`
	TotalSubscribers int64  `json:"total_subscribers"`
}

type Subscriber struct {
	ID              int64  `json:"id"`
	WebsiteID       int64  `json:"website_id"`
	IP              string `json:"ip"`
	CountryCode     string `json:"country_code"`
	OSName          string `json:"os_name"`
	BrowserName     string `json:"browser_name"`
	DeviceType      string `json:"device_type"`
	SubscribedOnURL string `json:"subscribed_on_url"`
	Datetime        string `json:"datetime"`
}

type SubscriberLog struct {
	ID           int64  `json:"id"`
	SubscriberID int64  `json:"subscriber_id"`
	WebsiteID    int64  `json:"website_id"`
	Type         string `json:"type"`
	Datetime     string `json:"datetime"`
}

type Campaign struct {
	ID                int64  `json:"id"`
	WebsiteID         int64  `json:"website_id"`
	Name              string `json:"name"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	URL               string `json:"url"`
	ImageURL          string `json:"image_url"`
	Status            string `json:"status"`
	TotalSent         int64  `json:"total_sent_push_notifications"`
	TotalDisplayed    int64  `json:"total_displayed_push_notifications"`
	TotalClicked      int64  `json:"total_clicked_push_notifications"`
	ScheduledDatetime string `json:"scheduled_datetime"`
	Datetime          string `json:"datetime"`
}

type PersonalNotification struct {
	ID           int64  `json:"id"`
	WebsiteID    int64  `json:"website_id"`
	SubscriberID int64  `json:"subscriber_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	URL          string `json:"url"`
	Status       string `json:"status"`
	Datetime     string `json:"datetime"`
}

type CampaignInput struct {
	WebsiteID     int64
	Name          string
	Title         string
	Description   string
	URL           string
	ImageURL      string
	ImagePath     string
	SubscriberIDs []int64
	Segment       string
	ScheduledAt   time.Time
}

func (in CampaignInput) request(endpoint string) (Request, error) {
	if in.WebsiteID <= 0 {
		return Request{}, invalidParameter("website id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return Request{}, invalidParameter("campaign title is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = strings.TrimSpace(in.Title)
	}
	segment := strings.TrimSpace(in.Segment)
	if segment == "" {
		segment = "all"
	}

	params := map[string]any{
		"website_id":  in.WebsiteID,
		"name":        name,
		"title":       strings.TrimSpace(in.Title),
		"description": strings.TrimSpace(in.Description),
		"url":         strings.TrimSpace(in.URL),
		"segment":     segment,
	}
	if len(in.SubscriberIDs) > 0 {
		params["subscribers_ids"] = in.SubscriberIDs
	}
	if !in.ScheduledAt.IsZero() {
		params["is_scheduled"] = true
		params["scheduled_datetime"] = in.ScheduledAt
	}

	req := Request{Endpoint: endpoint, Method: MethodPost, Params: params}
	if path := strings.TrimSpace(in.ImagePath); path != "" {
		req.Files = map[string]string{"image": path}
	} else if imageURL := strings.TrimSpace(in.ImageURL); imageURL != "" {
		params["image_url"] = imageURL
	}
	return req, nil
}

type PersonalNotificationInput struct {
	WebsiteID    int64
	SubscriberID int64
	Title        string
	Description  string
	URL          string
}

func (c *Client) User(ctx context.Context) (User, error) {
	var out User
	err := c.getData(ctx, "/user", nil, &out)
	return out, err
}

func (c *Client) Websites(ctx context.Context, opts ListOptions) (Page[Website], error) {
	return list[Website](ctx, c, "/websites", opts.params())
}

func (c *Client) Website(ctx context.Context, id int64) (Website, error) {
	var out Website
	if err := requireID("website", id); err != nil {
		return out, err
	}
	err := c.getData(ctx, "/websites/"+formatID(id), nil, &out)
	return out, err
}

func (c *Client) Subscribers(ctx context.Context, websiteID int64, opts ListOptions) (Page[Subscriber], error) {
	params := opts.params()
	if websiteID > 0 {
		params["website_id"] = websiteID
	}
	return list[Subscriber](ctx, c, "/subscribers", params)
}

func (c *Client) Subscriber(ctx context.Context, id int64) (Subscriber, error) {
	var out Subscriber
	if err := requireID("subscriber", id); err != nil {
		return out, err
	}
	err := c.getData(ctx, "/subscribers/"+formatID(id), nil, &out)
	return out, err
}

func (c *Client) DeleteSubscriber(ctx context.Context, id int64) error {
	if err := requireID("subscriber", id); err != nil {
		return err
	}
	_, err := c.exec.Execute(ctx, Request{Endpoint: "/subscribers/" + formatID(id), Method: MethodDelete})
	return err
}

// SubscriberStatistics returns the raw statistics payload; its shape varies by
// date range and is passed through untouched.
func (c *Client) SubscriberStatistics(ctx context.Context, websiteID int64, start, end time.Time) (map[string]any, error) {
	if err := requireID("website", websiteID); err != nil {
		return nil, err
	}
	params := map[string]any{}
	if !start.IsZero() {
		params["start_date"] = start.UTC().Format("2006-01-02")
	}
	if !end.IsZero() {
		params["end_date"] = end.UTC().Format("2006-01-02")
	}
	resp, err := c.exec.Execute(ctx, Request{
		Endpoint: "/subscribers-statistics/" + formatID(websiteID),
		Method:   MethodGet,
		Params:   params,
	})
	if err != nil {
		return nil, err
	}
	if data, ok := resp.Body["data"].(map[string]any); ok {
		return data, nil
	}
	return resp.Body, nil
}

func (c *Client) SubscriberLogs(ctx context.Context, opts ListOptions) (Page[SubscriberLog], error) {
	return list[SubscriberLog](ctx, c, "/subscribers-logs/", opts.params())
}

func (c *Client) Campaigns(ctx context.Context, opts ListOptions) (Page[Campaign], error) {
	return list[Campaign](ctx, c, "/campaigns", opts.params())
}

func (c *Client) Campaign(ctx context.Context, id int64) (Campaign, error) {
	var out Campaign
	if err := requireID("campaign", id); err != nil {
		return out, err
	}
	err := c.getData(ctx, "/campaigns/"+formatID(id), nil, &out)
	return out, err
}

// CreateCampaign returns the campaign as echoed by the API; only ID is
// guaranteed to be populated.
func (c *Client) CreateCampaign(ctx context.Context, in CampaignInput) (Campaign, error) {
	req, err := in.request("/campaigns")
	if err != nil {
		return Campaign{}, err
	}
	return c.writeCampaign(ctx, req, in)
}

func (c *Client) UpdateCampaign(ctx context.Context, id int64, in CampaignInput) (Campaign, error) {
	if err := requireID("campaign", id); err != nil {
		return Campaign{}, err
	}
	req, err := in.request("/campaigns/" + formatID(id))
	if err != nil {
		return Campaign{}, err
	}
	out, err := c.writeCampaign(ctx, req, in)
	if err == nil && out.ID == 0 {
		out.ID = id
	}
	return out, err
}

func (c *Client) DeleteCampaign(ctx context.Context, id int64) error {
	if err := requireID("campaign", id); err != nil {
		return err
	}
	_, err := c.exec.Execute(ctx, Request{Endpoint: "/campaigns/" + formatID(id), Method: MethodDelete})
	return err
}

func (c *Client) PersonalNotifications(ctx context.Context, opts ListOptions) (Page[PersonalNotification], error) {
	return list[PersonalNotification](ctx, c, "/personal-notifications", opts.params())
}

func (c *Client) PersonalNotification(ctx context.Context, id int64) (PersonalNotification, error) {
	var out PersonalNotification
	if err := requireID("personal notification", id); err != nil {
		return out, err
	}
	err := c.getData(ctx, "/personal-notifications/"+formatID(id), nil, &out)
	return out, err
}

func (c *Client) CreatePersonalNotification(ctx context.Context, in PersonalNotificationInput) (PersonalNotification, error) {
	if err := requireID("website", in.WebsiteID); err != nil {
		return PersonalNotification{}, err
	}
	if err := requireID("subscriber", in.SubscriberID); err != nil {
		return PersonalNotification{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return PersonalNotification{}, invalidParameter("notification title is required")
	}
	resp, err := c.exec.Execute(ctx, Request{
		Endpoint: "/personal-notifications",
		Method:   MethodPost,
		Params: map[string]any{
			"website_id":    in.WebsiteID,
			"subscriber_id": in.SubscriberID,
			"title":         strings.TrimSpace(in.Title),
			"description":   strings.TrimSpace(in.Description),
			"url":           strings.TrimSpace(in.URL),
		},
	})
	if err != nil {
		return PersonalNotification{}, err
	}
	out := PersonalNotification{
		WebsiteID:    in.WebsiteID,
		SubscriberID: in.SubscriberID,
		Title:        in.Title,
		Description:  in.Description,
		URL:          in.URL,
	}
	if err := decodeInto(resp.Body["data"], &out); err != nil {
		return PersonalNotification{}, err
	}
	return out, nil
}

func (c *Client) DeletePersonalNotification(ctx context.Context, id int64) error {
	if err := requireID("personal notification", id); err != nil {
		return err
	}
	_, err := c.exec.Execute(ctx, Request{Endpoint: "/personal-notifications/" + formatID(id), Method: MethodDelete})
	return err
}

func (c *Client) writeCampaign(ctx context.Context, req Request, in CampaignInput) (Campaign, error) {
	resp, err := c.exec.Execute(ctx, req)
	if err != nil {
		return Campaign{}, err
	}
	out := Campaign{
		WebsiteID:   in.WebsiteID,
		Name:        in.Name,
		Title:       in.Title,
		Description: in.Description,
		URL:         in.URL,
		ImageURL:    in.ImageURL,
	}
	if err := decodeInto(resp.Body["data"], &out); err != nil {
		return Campaign{}, err
	}
	return out, nil
}

func (c *Client) getData(ctx context.Context, endpoint string, params map[string]any, out any) error {
	resp, err := c.exec.Execute(ctx, Request{Endpoint: endpoint, Method: MethodGet, Params: params})
	if err != nil {
		return err
	}
	return decodeInto(resp.Body["data"], out)
}

func list[T any](ctx context.Context, c *Client, endpoint string, params map[string]any) (Page[T], error) {
	resp, err := c.exec.Execute(ctx, Request{Endpoint: endpoint, Method: MethodGet, Params: params})
	if err != nil {
		return Page[T]{}, err
	}

	page := Page[T]{Items: []T{}}
	if err := decodeInto(resp.Body["data"], &page.Items); err != nil {
		return Page[T]{}, err
	}
	if meta, ok := resp.Body["meta"].(map[string]any); ok {
		page.Total = intField(meta["total"])
		page.TotalPages = intField(meta["total_pages"])
	}
	if page.Total == 0 {
		page.Total = len(page.Items)
	}
	return page, nil
}

// decodeInto re-encodes a generic JSON value into out. A nil value leaves out
// untouched so callers can prefill defaults.
func decodeInto(value any, out any) error {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode response data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func intField(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	default:
		return 0
	}
}

func requireID(name string, id int64) error {
	if id <= 0 {
		return invalidParameter("%s id is required", name)
	}
	return nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
