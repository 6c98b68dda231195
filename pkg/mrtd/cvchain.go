package mrtd

// CVChain resolves card verifiable certificate paths from an unordered set.
type CVChain struct {
	certs []*CVCert
}

// NewCVChain returns a resolver over certs.
func NewCVChain(certs ...*CVCert) *CVChain {
	return &CVChain{certs: append([]*CVCert{}, certs...)}
}

// Add appends certificates to the working set.
func (c *CVChain) Add(certs ...*CVCert) {
	c.certs = append(c.certs, certs...)
}

// Resolve builds the path from rootName down to target and returns it top
// first, target last. The certificate named rootName is not part of the
// path since the chip already holds it; when rootName is empty the path ends
// at a self-issued certificate, which is included. Every certificate in the
// path must pass IssuedBy against the one above it. Resolve returns nil when
// no path exists.
func (c *CVChain) Resolve(rootName string, target *CVCert) []*CVCert {
	if target == nil {
		return nil
	}
	if rootName != "" && target.Name == rootName {
		return []*CVCert{}
	}
	return c.walk(rootName, target, map[*CVCert]bool{target: true})
}

func (c *CVChain) walk(rootName string, cur *CVCert, visited map[*CVCert]bool) []*CVCert {
	if rootName == "" && cur.SelfIssued() {
		return []*CVCert{cur}
	}
	if rootName != "" && cur.Issuer == rootName {
		return []*CVCert{cur}
	}
	if cur.SelfIssued() {
		return nil
	}
	for _, cand := range c.certs {
		if visited[cand] || cand.Name != cur.Issuer || !cur.IssuedBy(cand) {
			continue
		}
		visited[cand] = true
		if path := c.walk(rootName, cand, visited); path != nil {
			return append(path, cur)
		}
		delete(visited, cand)
	}
	return nil
}
