// Package metadata renders NFT metadata documents for collection tiers and
// derives their IPFS content identifiers.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"superdao-relay/internal/catalog"
)

// Attribute is an OpenSea style trait.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// TokenMetadata is the JSON document a token URI points to.
type TokenMetadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Image       string      `json:"image,omitempty"`
	Attributes  []Attribute `json:"attributes"`
}

// BuildTierMetadata renders the metadata shared by every token of a tier.
func BuildTierMetadata(dao catalog.DAO, tier catalog.Tier) TokenMetadata {
	tierName := tier.Name
	if tierName == "" {
		tierName = tier.ID
	}
	daoName := dao.Name
	if daoName == "" {
		daoName = dao.ID
	}
	description := tier.Description
	if description == "" {
		description = dao.Description
	}
	var image string
	if len(tier.Artworks) > 0 {
		image = tier.Artworks[0]
	}
	return TokenMetadata{
		Name:        fmt.Sprintf("%s · %s", daoName, tierName),
		Description: description,
		Image:       image,
		Attributes: []Attribute{
			{TraitType: "tier", Value: tierName},
			{TraitType: "dao", Value: daoName},
		},
	}
}

// CID returns the CIDv1 (raw codec, sha2-256) of data.
func CID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("计算 multihash 失败: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// TokenURI returns the ipfs:// URI of c.
func TokenURI(c cid.Cid) string {
	return "ipfs://" + c.String()
}

// Document is a rendered metadata file plus its addresses.
type Document struct {
	Metadata   TokenMetadata   `json:"metadata"`
	Raw        json.RawMessage `json:"-"`
	CID        string          `json:"cid"`
	TokenURI   string          `json:"tokenUri"`
	GatewayURL string          `json:"gatewayUrl"`
}

// Builder renders documents against a fixed HTTP gateway.
type Builder struct {
	gateway string
}

// NewBuilder uses gateway as the prefix of HTTP URLs.
func NewBuilder(gateway string) *Builder {
	gateway = strings.TrimSpace(gateway)
	if gateway == "" {
		gateway = "https://ipfs.io/ipfs/"
	}
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	return &Builder{gateway: gateway}
}

// GatewayURL returns the HTTP URL of c on the configured gateway.
func (b *Builder) GatewayURL(c cid.Cid) string {
	return b.gateway + c.String()
}

// Build renders the metadata of tier and addresses it.
func (b *Builder) Build(dao catalog.DAO, tier catalog.Tier) (Document, error) {
	md := BuildTierMetadata(dao, tier)
	raw, err := json.Marshal(md)
	if err != nil {
		return Document{}, fmt.Errorf("序列化 metadata 失败: %w", err)
	}
	c, err := CID(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Metadata:   md,
		Raw:        raw,
		CID:        c.String(),
		TokenURI:   TokenURI(c),
		GatewayURL: b.GatewayURL(c),
	}, nil
}
