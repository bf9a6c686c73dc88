package gossip

import (
	"github.com/reputation-net/node/internal/model"
)

// MessageKind tags the variant carried in a NetworkMessage envelope. All
// broadcast and request/response traffic shares one wire shape so a
// single JSON codec handles both directions.
type MessageKind string

const (
	KindNone            MessageKind = "none"
	KindTemplateRequest MessageKind = "template_request"
	KindAnnouncement    MessageKind = "announcement"
	KindOpinionRequest  MessageKind = "opinion_request"
	KindStatement       MessageKind = "statement"
	KindStatements      MessageKind = "statements"
)

// AnnouncementEntry is one template name's daily digest.
type AnnouncementEntry struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Hash  string `json:"hash"`
}

// OpinionRequest asks a peer for every opinion on statements named Name
// dated Date.
type OpinionRequest struct {
	Name string     `json:"name"`
	Date model.Date `json:"date"`
}

// SignedStatementWire is the wire-transportable form of model.SignedStatement:
// the statement's own string form plus each opinion's full signed string
// form (model.SignedOpinion.String()), both already self-delimiting.
type SignedStatementWire struct {
	Statement string   `json:"statement"`
	Opinions  []string `json:"opinions"`
}

// ToWire flattens a SignedStatement to its wire form.
func ToWire(ss model.SignedStatement) SignedStatementWire {
	opinions := make([]string, len(ss.Opinions))
	for i, o := range ss.Opinions {
		opinions[i] = o.String()
	}
	return SignedStatementWire{Statement: ss.Statement.String(), Opinions: opinions}
}

// FromWire parses a wire-form signed statement back into its model types.
func FromWire(w SignedStatementWire) (model.Statement, []model.SignedOpinion, error) {
	stmt, err := model.ParseStatement(w.Statement)
	if err != nil {
		return model.Statement{}, nil, err
	}
	opinions := make([]model.SignedOpinion, 0, len(w.Opinions))
	for _, raw := range w.Opinions {
		so, err := model.ParseSignedOpinion(raw)
		if err != nil {
			return model.Statement{}, nil, err
		}
		opinions = append(opinions, so)
	}
	return stmt, opinions, nil
}

// NetworkMessage is the single envelope shape for both gossip broadcasts
// and request/response RPC bodies.
type NetworkMessage struct {
	Kind       MessageKind           `json:"kind"`
	Date       model.Date            `json:"date,omitempty"`
	Announce   []AnnouncementEntry   `json:"announce,omitempty"`
	OpinionReq *OpinionRequest       `json:"opinion_request,omitempty"`
	Statement  *SignedStatementWire  `json:"statement,omitempty"`
	Statements []SignedStatementWire `json:"statements,omitempty"`
}
