package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeScrapeItem(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"urn": "urn:li:activity:1",
		"url": "https://www.linkedin.com/feed/update/urn:li:activity:1",
		"text": "Hello",
		"postedAtTimestamp": 1700000000000,
		"inputUrl": "https://www.linkedin.com/in/jane/",
		"author": {"publicId": "jane", "firstName": "Jane", "lastName": "Doe", "occupation": "Engineer"}
	}`)

	item, err := DecodeScrapeItem(raw)
	require.NoError(t, err)
	require.Equal(t, "urn:li:activity:1", item.URN)
	require.Equal(t, "https://www.linkedin.com/in/jane", item.ProfileURL())
	require.Equal(t, "Jane Doe", item.Name())
	require.Equal(t, "Engineer", item.Occupation())

	postedAt, ok := item.PostedAt()
	require.True(t, ok)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), postedAt)
}

func TestDecodeScrapeItemRejectsMalformed(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not an object":    `["a"]`,
		"text wrong type":  `{"urn": "u", "text": {"nested": true}}`,
		"input url number": `{"urn": "u", "inputUrl": 42}`,
		"timestamp object": `{"urn": "u", "postedAtTimestamp": {"ms": 1}}`,
		"author not obj":   `{"urn": "u", "author": "jane"}`,
	}
	for name, raw := range cases {
		raw := raw
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeScrapeItem(json.RawMessage(raw))
			require.Error(t, err)
		})
	}
}

func TestDecodeScrapeItemAcceptsRelativeAndSchemelessURLs(t *testing.T) {
	t.Parallel()

	item, err := DecodeScrapeItem(json.RawMessage(`{
		"urn": "urn:li:activity:10",
		"url": "/feed/update/urn:li:activity:10",
		"inputUrl": " www.linkedin.com/in/Jane/ ",
		"authorProfileUrl": "linkedin.com/in/jane"
	}`))
	require.NoError(t, err)
	require.Equal(t, "/feed/update/urn:li:activity:10", item.URL)
	require.Equal(t, "www.linkedin.com/in/Jane/", item.RawProfileURL())
	require.Equal(t, "https://www.linkedin.com/in/Jane", item.ProfileURL())
}

func TestProfileURLFallbackOrder(t *testing.T) {
	t.Parallel()

	item := ScrapeItem{
		AuthorProfileURL: "https://www.linkedin.com/in/author-url/",
		Author:           &ScrapeIdentity{PublicID: "author"},
		ActivityOfUser:   &ScrapeIdentity{PublicID: "activity"},
	}
	require.Equal(t, "https://www.linkedin.com/in/author-url", item.ProfileURL())

	item.AuthorProfileURL = ""
	require.Equal(t, "https://www.linkedin.com/in/author", item.ProfileURL())

	item.Author = nil
	require.Equal(t, "https://www.linkedin.com/in/activity", item.ProfileURL())

	item.ActivityOfUser = nil
	require.Empty(t, item.ProfileURL())
}

func TestIdentityPicksActivityOwner(t *testing.T) {
	t.Parallel()

	item := ScrapeItem{
		IsActivity:     true,
		Author:         &ScrapeIdentity{FirstName: "Other", Occupation: "Sales"},
		ActivityOfUser: &ScrapeIdentity{FirstName: "Jane", LastName: "**Doe**", Occupation: "Engineer 🚀"},
	}
	require.Equal(t, "Jane Doe", item.Name())
	require.Equal(t, "Engineer", item.Occupation())

	item.IsActivity = false
	require.Equal(t, "Other", item.Name())
	require.Equal(t, "Sales", item.Occupation())
}

func TestPostedAtFormats(t *testing.T) {
	t.Parallel()

	want := time.Date(2026, 10, 14, 8, 30, 0, 0, time.UTC)

	cases := map[string]ScrapeItem{
		"numeric string": {PostedAtTimestamp: Timestamp{Raw: "1791966600000", Valid: true}},
		"date string":    {PostedAtTimestamp: Timestamp{Raw: "2026-10-14T08:30:00Z", Valid: true}},
		"iso fallback":   {PostedAtTimestamp: Timestamp{Raw: "garbage", Valid: true}, PostedAtISO: "2026-10-14T08:30:00.000Z"},
		"iso only":       {PostedAtISO: "2026-10-14T08:30:00Z"},
	}
	for name, item := range cases {
		item := item
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, ok := item.PostedAt()
			require.True(t, ok)
			require.True(t, want.Equal(got), "got %s", got)
		})
	}

	_, ok := ScrapeItem{PostedAtISO: "yesterday"}.PostedAt()
	require.False(t, ok)
	_, ok = ScrapeItem{PostedAtTimestamp: Timestamp{Raw: "NaN", Valid: true}}.PostedAt()
	require.False(t, ok)
}
