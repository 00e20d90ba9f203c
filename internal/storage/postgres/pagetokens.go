package postgres

import "encoding/json"

// pageTokens decodes page access tokens stored either as {"pageId": "token"}
// or as [{"pageId": "...", "accessToken": "..."}]
type pageTokens map[string]string

func (p *pageTokens) UnmarshalJSON(data []byte) error {
	var asMap map[string]string
	if err := json.Unmarshal(data, &asMap); err == nil {
		*p = asMap
		return nil
	}

	var asList []struct {
		PageID      string `json:"pageId"`
		AccessToken string `json:"accessToken"`
	}
	if err := json.Unmarshal(data, &asList); err != nil {
		return err
	}

	out := make(pageTokens, len(asList))
	for _, t := range asList {
		out[t.PageID] = t.AccessToken
	}
	*p = out
	return nil
}
