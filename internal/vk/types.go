package vk

// Member is one community member as returned by groups.getMembers with
// name fields requested. Name fields may legitimately be empty (deleted or
// restricted profiles); downstream rendering treats empty as empty.
type Member struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// MembersPage is one page of groups.getMembers. Count is the community's
// total member count as seen by that call, not the page length.
type MembersPage struct {
	Count int      `json:"count"`
	Items []Member `json:"items"`
}

// LongPollServer is the polling endpoint issued by groups.getLongPollServer.
// TS is an opaque cursor; the poll loop advances it from each response.
type LongPollServer struct {
	Key    string `json:"key"`
	Server string `json:"server"`
	TS     string `json:"ts"`
}
