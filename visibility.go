package devtree

// hideOrder returns d and every device built on it, leaves first.
func (t *Tree) hideOrder(d *Device) []*Device {
	type frame struct {
		dev      *Device
		expanded bool
	}

	order := []*Device{}
	seen := map[int]bool{}
	stack := []frame{{dev: d}}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.expanded {
			order = append(order, top.dev)
			continue
		}

		if seen[top.dev.ID] {
			continue
		}

		seen[top.dev.ID] = true
		stack = append(stack, frame{dev: top.dev, expanded: true})

		kids := t.Graph.Children(top.dev)
		for i := len(kids) - 1; i >= 0; i-- {
			if !seen[kids[i].ID] {
				stack = append(stack, frame{dev: kids[i]})
			}
		}
	}

	return order
}

// Hide removes d and everything built on it from the visible tree. Every
// pending action is canceled. Devices that do not exist on the system are
// dropped by the cancellation, existing ones are moved to the hidden set.
func (t *Tree) Hide(d *Device) error {
	if t.Graph.IsHidden(d) {
		return nil
	}

	// cancel in reverse so that every cancel finds the tree the way its
	// action left it
	actions := t.Actions.Actions()
	for i := len(actions) - 1; i >= 0; i-- {
		if err := t.Actions.Cancel(actions[i]); err != nil {
			return err
		}
	}

	for _, dev := range t.hideOrder(d) {
		if t.Graph.IsHidden(dev) {
			continue
		}

		devLog(dev).Info("hiding device")

		if !dev.Exists || !t.Graph.Contains(dev) {
			continue
		}

		if err := t.Graph.hide(dev); err != nil {
			return err
		}

		t.filter.AddReject(dev.Name)
	}

	return nil
}

// Unhide restores d and every hidden device built on it. Actions canceled
// by Hide are not restored.
func (t *Tree) Unhide(d *Device) {
	hidden := t.Graph.Hidden()

	// the hidden list is leaves first
	for i := len(hidden) - 1; i >= 0; i-- {
		h := hidden[i]
		if h != d && !t.Graph.DependsOn(h, d) {
			continue
		}

		devLog(h).Info("unhiding device")
		t.Graph.unhide(h)
		t.filter.RemoveReject(h.Name)
	}
}

func (t *Tree) diskIgnored(d *Device) bool {
	if len(t.ignoredDisks) > 0 && containsString(t.ignoredDisks, d.Name) {
		return true
	}

	return len(t.exclusiveDisks) > 0 && !containsString(t.exclusiveDisks, d.Name)
}

// hideIgnoredDisks hides the subtrees of ignored disks. A multipath or
// firmware raid disk whose members are all allowed is allowed too.
func (t *Tree) hideIgnoredDisks() error {
	for _, disk := range t.Graph.All() {
		if !disk.IsDisk() || !t.diskIgnored(disk) {
			continue
		}

		ignored := true
		parents := t.Graph.ParentsOf(disk)

		if len(parents) > 0 {
			allHidden := true

			for _, p := range parents {
				if !p.Format.Hidden() {
					allHidden = false
					break
				}
			}

			if allHidden {
				ignored = false

				for _, p := range parents {
					if t.diskIgnored(p) {
						ignored = true
						break
					}
				}
			}
		}

		if ignored {
			if err := t.Hide(disk); err != nil {
				return err
			}
		}
	}

	return nil
}
