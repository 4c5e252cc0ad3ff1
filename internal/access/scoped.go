package access

import (
	"net/http"
	"strings"

	"churchops.org/internal/auth"
	"churchops.org/internal/obs"
)

// scopedHandler derives a scope for the request or writes a denial. It
// returns the request to pass on and whether to continue.
type scopedHandler func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool)

func (g *Guard) scoped(fn scopedHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, actor, ok := g.AccessContext(w, r)
			if !ok {
				return
			}
			r, ok = fn(w, r, actor, readInput(r))
			if !ok {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// excludedTarget reports whether a blanket holder is barred from target.
// Acting on oneself is never excluded.
func excludedTarget(actor *auth.Actor, domain string, target int64, has bool) bool {
	if !has || target == actor.UserID {
		return false
	}
	return auth.IsExcluded(actor.Permissions, domain, target)
}

func allScope(actor *auth.Actor, domain string) auth.Scope {
	return auth.AllScope(auth.ResolveDomainExclusions(actor.Permissions, domain))
}

// Members scopes member records. Blanket holders see all members minus
// exclusions; others are limited to their own record.
func (g *Guard) Members(action auth.Action) func(http.Handler) http.Handler {
	const domain = auth.DomainMembers
	return g.scoped(func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
		target, has := in.targetUserID()
		if actor.Can(domain, action) {
			if excludedTarget(actor, domain, target, has) {
				deny(w, r, "You are not authorized to access this member", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeMember, allScope(actor, domain)), true
		}
		switch {
		case has && target == actor.UserID:
		case !has && action == auth.ActionView:
		default:
			deny(w, r, "You are not authorized to access this member", domain, action)
			return r, false
		}
		return withScope(r, auth.ScopeMember, auth.OwnScope(actor.UserID)), true
	})
}

// Visitors scopes visitor records. Without a blanket grant the actor must
// be one of the visitor's responsible members.
func (g *Guard) Visitors(action auth.Action) func(http.Handler) http.Handler {
	const domain = auth.DomainVisitors
	return g.scoped(func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
		if actor.Can(domain, action) {
			if target, has := in.targetUserID(); excludedTarget(actor, domain, target, has) {
				deny(w, r, "You are not authorized to access this member's visitors", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeVisitor, allScope(actor, domain)), true
		}
		visitorID, has := in.route()
		if !has {
			visitorID, has = in.field("visitor_id", "visitorId")
		}
		if !has {
			return withScope(r, auth.ScopeVisitor, auth.ResponsibleScope(actor.UserID)), true
		}
		visitor, err := g.resources.Visitor(r.Context(), visitorID)
		if err != nil || visitor == nil || !containsID(visitor.ResponsibleMembers, actor.UserID) {
			logLookup("visitor", visitorID, err)
			deny(w, r, "You are not authorized to access this visitor", domain, action)
			return r, false
		}
		return withScope(r, auth.ScopeVisitor, auth.ResponsibleScope(actor.UserID)), true
	})
}

// Appointments scopes appointment and availability records. For manage
// requests the attendee comes from the payload or, failing that, from
// the stored booking; the table is chosen by the request path.
func (g *Guard) Appointments(action auth.Action) func(http.Handler) http.Handler {
	const domain = auth.DomainAppointments
	return g.scoped(func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
		if action == auth.ActionView {
			return g.appointmentsView(w, r, actor, in)
		}

		var requester int64
		fromBooking := false
		attendee, has := in.field("user_id", "userId", "attendee_id", "attendeeId")
		if !has {
			if bookingID, ok := in.route(); ok {
				booking, err := g.lookupBooking(r, bookingID)
				if err != nil || booking == nil {
					logLookup("booking", bookingID, err)
					deny(w, r, "Appointment not found or access denied", domain, action)
					return r, false
				}
				attendee, has = booking.UserID, booking.UserID > 0
				requester = booking.RequesterID
				fromBooking = true
			}
		}

		if actor.Can(domain, action) {
			if excludedTarget(actor, domain, attendee, has) {
				deny(w, r, "You are not authorized to manage this member's appointments", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeAppointment, allScope(actor, domain)), true
		}
		// a stored booking with no attendee still needs its requester
		if (has || fromBooking) && attendee != actor.UserID && requester != actor.UserID {
			deny(w, r, "You are not authorized to manage this appointment", domain, action)
			return r, false
		}
		return withScope(r, auth.ScopeAppointment, auth.OwnScope(actor.UserID)), true
	})
}

func (g *Guard) appointmentsView(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
	const domain = auth.DomainAppointments
	target, has := in.ownerUserID()
	if actor.Can(domain, auth.ActionView) {
		if excludedTarget(actor, domain, target, has) {
			deny(w, r, "You are not authorized to view this member's appointments", domain, auth.ActionView)
			return r, false
		}
		return withScope(r, auth.ScopeAppointment, allScope(actor, domain)), true
	}
	if has && target != actor.UserID {
		deny(w, r, "You are not authorized to view these appointments", domain, auth.ActionView)
		return r, false
	}
	if bookingID, ok := in.route(); ok {
		booking, err := g.lookupBooking(r, bookingID)
		if err != nil || booking == nil || (booking.RequesterID != actor.UserID && booking.UserID != actor.UserID) {
			logLookup("booking", bookingID, err)
			deny(w, r, "You are not authorized to view this appointment", domain, auth.ActionView)
			return r, false
		}
	}
	return withScope(r, auth.ScopeAppointment, auth.OwnScope(actor.UserID)), true
}

func (g *Guard) lookupBooking(r *http.Request, id int64) (*auth.Booking, error) {
	if strings.Contains(r.URL.Path, "availability") {
		return g.resources.Availability(r.Context(), id)
	}
	return g.resources.Appointment(r.Context(), id)
}

// Assets scopes asset records to the assignee unless the actor holds a
// blanket grant.
func (g *Guard) Assets(action auth.Action) func(http.Handler) http.Handler {
	const domain = auth.DomainAssets
	return g.scoped(func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
		target, has := in.ownerUserID()
		if actor.Can(domain, action) {
			if excludedTarget(actor, domain, target, has) {
				deny(w, r, "You are not authorized to access this member's assets", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeAsset, allScope(actor, domain)), true
		}
		if has && target != actor.UserID {
			deny(w, r, "You are not authorized to access these assets", domain, action)
			return r, false
		}
		if assetID, ok := in.route(); ok {
			asset, err := g.resources.Asset(r.Context(), assetID)
			if err != nil || asset == nil || asset.AssignedTo != actor.UserID {
				logLookup("asset", assetID, err)
				deny(w, r, "You are not authorized to access this asset", domain, action)
				return r, false
			}
		}
		return withScope(r, auth.ScopeAsset, auth.OwnScope(actor.UserID)), true
	})
}

// LifeCenter scopes life-center data to the centers the actor belongs to.
// Manage requests name the center explicitly or through a soul-won
// record; the record is only read when no explicit center is given.
func (g *Guard) LifeCenter(action auth.Action) func(http.Handler) http.Handler {
	const domain = auth.DomainLifeCenter
	return g.scoped(func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
		if actor.Can(domain, action) {
			if target, has := in.targetUserID(); excludedTarget(actor, domain, target, has) {
				deny(w, r, "You are not authorized to access this member's life center records", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeLifeCenter, allScope(actor, domain)), true
		}
		if len(actor.LifeCenterIDs) == 0 {
			deny(w, r, "You are not a member of any life center", domain, action)
			return r, false
		}
		if action == auth.ActionView {
			return withScope(r, auth.ScopeLifeCenter, auth.MemberScope(actor.LifeCenterIDs)), true
		}

		centerID, has := in.field("lifeCenterId", "life_center_id")
		if !has {
			soulID, ok := in.field("soulWonId", "soul_won_id")
			if !ok {
				soulID, ok = in.route()
			}
			if ok {
				soul, err := g.resources.SoulWon(r.Context(), soulID)
				if err != nil || soul == nil {
					logLookup("soul_won", soulID, err)
					deny(w, r, "Record not found or access denied", domain, action)
					return r, false
				}
				centerID, has = soul.LifeCenterID, soul.LifeCenterID > 0
			}
		}
		if !has || !containsID(actor.LifeCenterIDs, centerID) {
			deny(w, r, "You are not authorized to manage this life center", domain, action)
			return r, false
		}
		return withScope(r, auth.ScopeLifeCenter, auth.MemberScope(actor.LifeCenterIDs)), true
	})
}

// Programs scopes programs to the actor's departments.
func (g *Guard) Programs(action auth.Action) func(http.Handler) http.Handler {
	const domain = auth.DomainPrograms
	return g.scoped(func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
		if actor.Can(domain, action) {
			if target, has := in.targetUserID(); excludedTarget(actor, domain, target, has) {
				deny(w, r, "You are not authorized to access this member's programs", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeProgram, allScope(actor, domain)), true
		}
		if len(actor.DepartmentIDs) == 0 {
			deny(w, r, "You are not assigned to any department", domain, action)
			return r, false
		}
		deptID, has := in.field("department_id", "departmentId")
		if !has {
			if programID, ok := in.route(); ok {
				program, err := g.resources.Program(r.Context(), programID)
				if err != nil || program == nil {
					logLookup("program", programID, err)
					deny(w, r, "Program not found or access denied", domain, action)
					return r, false
				}
				deptID, has = program.DepartmentID, true
			}
		}
		if has && !actor.InDepartment(deptID) {
			deny(w, r, "You are not authorized to access this department's programs", domain, action)
			return r, false
		}
		return withScope(r, auth.ScopeProgram, auth.DepartmentScope(actor.DepartmentIDs)), true
	})
}

// Orders scopes marketplace orders. On create the order owner is filled
// in with the actor when the caller cannot manage all orders.
func (g *Guard) Orders(action auth.Action) func(http.Handler) http.Handler {
	const domain = auth.DomainMarketplace
	return g.scoped(func(w http.ResponseWriter, r *http.Request, actor *auth.Actor, in *requestInput) (*http.Request, bool) {
		canAll := actor.Can(domain, action)
		if action == auth.ActionView {
			target, has := in.ownerUserID()
			if canAll {
				if excludedTarget(actor, domain, target, has) {
					deny(w, r, "You are not authorized to view this member's orders", domain, action)
					return r, false
				}
				return withScope(r, auth.ScopeOrder, allScope(actor, domain)), true
			}
			if has && target != actor.UserID {
				deny(w, r, "You are not authorized to view these orders", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeOrder, auth.OwnScope(actor.UserID)), true
		}

		owner, has := in.bodyID("user_id")
		if canAll {
			if excludedTarget(actor, domain, owner, has) {
				deny(w, r, "You are not authorized to place orders for this member", domain, action)
				return r, false
			}
			return withScope(r, auth.ScopeOrder, allScope(actor, domain)), true
		}
		if !has {
			if v, present := in.body["user_id"]; present && v != nil {
				deny(w, r, "Invalid order owner", domain, action)
				return r, false
			}
			if in.body == nil {
				in.body = map[string]any{}
			}
			in.body["user_id"] = actor.UserID
			if err := in.replaceBody(r); err != nil {
				deny(w, r, msgNotPermitted, domain, action)
				return r, false
			}
		} else if owner != actor.UserID {
			deny(w, r, "You can only place orders for yourself", domain, action)
			return r, false
		}
		return withScope(r, auth.ScopeOrder, auth.OwnScope(actor.UserID)), true
	})
}

func containsID(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func logLookup(kind string, id int64, err error) {
	if err == nil {
		return
	}
	obs.Warn("scope lookup failed", map[string]any{"resource": kind, "id": id, "error": err.Error()})
}
