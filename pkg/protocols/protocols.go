// Package protocols lists every protocol the engine runs.
package protocols

import (
	"cmp"
	"slices"

	"github.com/ZentaChain/zentalk-engine/pkg/protocol"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/backup"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/channelcreation"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/contactmanagement"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicediscovery"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/devicemanagement"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/groups"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/identitydetails"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/keycloak"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/mutualintroduction"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/mutualscan"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/ownedidentitydeletion"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/ownedidentitytransfer"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/synchronization"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/trustestablishment"
	"github.com/ZentaChain/zentalk-engine/pkg/protocols/trustsas"
)

// All returns fresh definitions of every protocol, ordered by id
func All() []*protocol.Definition {
	defs := []*protocol.Definition{
		devicediscovery.Definition(),
		channelcreation.Definition(),
		trustestablishment.Definition(),
		identitydetails.Definition(),
	}
	defs = append(defs, groups.Definitions()...)
	defs = append(defs,
		mutualintroduction.Definition(),
		ownedidentitydeletion.Definition(),
		trustsas.Definition(),
		contactmanagement.Definition(),
		mutualscan.Definition(),
		devicemanagement.Definition(),
		ownedidentitytransfer.Definition(),
		backup.Definition(),
	)
	defs = append(defs, keycloak.Definitions()...)
	defs = append(defs, synchronization.Definitions()...)
	slices.SortFunc(defs, func(a, b *protocol.Definition) int { return cmp.Compare(a.ID(), b.ID()) })
	return defs
}
