package main

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/graphdrive/internal/driveref"
	"github.com/tonimelisma/graphdrive/internal/graph"
)

func newDriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drive",
		Short: "Show drive metadata and quota",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDrive(cmd.Context(), openCLI)
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Display file or folder metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStat(cmd.Context(), openCLI, args[0])
		},
	}
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List files and folders",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := "/"
			if len(args) > 0 {
				remote = args[0]
			}

			return runLs(cmd.Context(), openCLI, remote)
		},
	}
}

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search the drive by name and content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), openCLI, args[0])
		},
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder; fails if the name is taken",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMkdir(cmd.Context(), openCLI, args[0])
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder (moves it to the recycle bin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRm(cmd.Context(), openCLI, args[0])
		},
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <path> <dest-folder>",
		Short: "Move an item into another folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMv(cmd.Context(), openCLI, args[0], args[1])
		},
	}
}

func newCpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <path> <dest-folder>",
		Short: "Start a server-side copy and print its monitor URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCp(cmd.Context(), openCLI, args[0], args[1])
		},
	}
}

// remoteRef turns a command-line remote argument into a reference on the
// configured drive. Plain paths ("docs/a.txt", "/docs") are root-relative;
// wire keys ("root", "items/{id}", "items/{id}:/sub") are accepted as-is.
func (cc *CLIContext) remoteRef(arg string) (driveref.Reference, error) {
	arg = strings.TrimSpace(arg)

	key := driveref.Path(arg)

	if arg == "root" || strings.HasPrefix(arg, "items/") || strings.HasPrefix(arg, "root:") {
		k, err := driveref.ParseKey(arg)
		if err != nil {
			return driveref.Reference{}, fmt.Errorf("invalid remote path %q: %w", arg, err)
		}

		key = k
	}

	ref := cc.Drive.Ref(key)
	if err := ref.Validate(); err != nil {
		return driveref.Reference{}, fmt.Errorf("invalid remote path %q: %w", arg, err)
	}

	return ref, nil
}

// splitParentAndName splits a remote path into parent path and name.
// For "foo/bar/baz" returns ("foo/bar", "baz").
// For "baz" returns ("", "baz").
func splitParentAndName(p string) (string, string) {
	clean := strings.Trim(p, "/")

	idx := strings.LastIndex(clean, "/")
	if idx < 0 {
		return "", clean
	}

	return clean[:idx], clean[idx+1:]
}

func runDrive(ctx context.Context, cc *CLIContext) error {
	d, err := cc.Drive.Client().GetDrive(ctx, cc.Drive.Bucket())
	if err != nil {
		return fmt.Errorf("reading drive %s: %w", cc.Drive.Bucket(), err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, map[string]any{
			"id":          d.ID,
			"name":        d.Name,
			"drive_type":  d.DriveType,
			"owner":       d.OwnerName,
			"quota_used":  d.QuotaUsed,
			"quota_total": d.QuotaTotal,
			"web_url":     d.WebURL,
		})
	}

	printTable(cc.Out, []string{"FIELD", "VALUE"}, [][]string{
		{"ID", d.ID},
		{"Name", d.Name},
		{"Type", d.DriveType},
		{"Owner", d.OwnerName},
		{"Used", formatSize(d.QuotaUsed)},
		{"Total", formatSize(d.QuotaTotal)},
		{"URL", d.WebURL},
	})

	return nil
}

func runStat(ctx context.Context, cc *CLIContext, remote string) error {
	ref, err := cc.remoteRef(remote)
	if err != nil {
		return err
	}

	item, err := cc.Drive.Client().GetItem(ctx, ref)
	if err != nil {
		return fmt.Errorf("stat %q: %w", remote, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, toItemJSON(item))
	}

	kind := "file"
	if item.IsFolder {
		kind = "folder"
	}

	rows := [][]string{
		{"Name", item.Name},
		{"ID", item.ID},
		{"Type", kind},
		{"Size", formatSize(item.Size)},
		{"Modified", formatTime(item.ModifiedAt)},
		{"Parent", item.ParentPath},
	}

	if item.MimeType != "" {
		rows = append(rows, []string{"MIME type", item.MimeType})
	}

	if item.QuickXorHash != "" {
		rows = append(rows, []string{"QuickXorHash", item.QuickXorHash})
	}

	printTable(cc.Out, []string{"FIELD", "VALUE"}, rows)

	return nil
}

func runLs(ctx context.Context, cc *CLIContext, remote string) error {
	ref, err := cc.remoteRef(remote)
	if err != nil {
		return err
	}

	cc.Logger.Debug("ls", slog.String("ref", ref.String()))

	items, err := cc.Drive.Client().ListChildren(ctx, ref)
	if err != nil {
		return fmt.Errorf("listing %q: %w", remote, err)
	}

	if cc.Flags.JSON {
		return printItemsJSON(cc.Out, items)
	}

	printItemsTable(cc.Out, items, false)

	return nil
}

func runSearch(ctx context.Context, cc *CLIContext, query string) error {
	items, err := cc.Drive.Client().Search(ctx, cc.Drive.Bucket(), query)
	if err != nil {
		return fmt.Errorf("searching for %q: %w", query, err)
	}

	if cc.Flags.JSON {
		return printItemsJSON(cc.Out, items)
	}

	printItemsTable(cc.Out, items, true)

	return nil
}

func runMkdir(ctx context.Context, cc *CLIContext, remote string) error {
	parent, name := splitParentAndName(remote)
	if name == "" {
		return fmt.Errorf("mkdir: %q names no folder", remote)
	}

	parentRef, err := cc.remoteRef(parent)
	if err != nil {
		return err
	}

	item, err := cc.Drive.Client().CreateFolder(ctx, parentRef, name, graph.ConflictFail)
	if err != nil {
		return fmt.Errorf("creating folder %q: %w", remote, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, toItemJSON(item))
	}

	cc.Statusf("Created %s (id %s)\n", path.Join("/", parent, name), item.ID)

	return nil
}

func runRm(ctx context.Context, cc *CLIContext, remote string) error {
	ref, err := cc.remoteRef(remote)
	if err != nil {
		return err
	}

	if ref.Key.Kind() == driveref.KeyRoot {
		return fmt.Errorf("rm: refusing to delete the drive root")
	}

	if err := cc.Drive.Client().DeleteItem(ctx, ref); err != nil {
		return fmt.Errorf("deleting %q: %w", remote, err)
	}

	cc.Statusf("Deleted %s\n", remote)

	return nil
}

// resolveFolder looks up a destination folder and returns its id.
func (cc *CLIContext) resolveFolder(ctx context.Context, remote string) (string, error) {
	ref, err := cc.remoteRef(remote)
	if err != nil {
		return "", err
	}

	item, err := cc.Drive.Client().GetItem(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving destination %q: %w", remote, err)
	}

	if !item.IsFolder {
		return "", fmt.Errorf("destination %q is not a folder", remote)
	}

	return item.ID, nil
}

func runMv(ctx context.Context, cc *CLIContext, remote, destFolder string) error {
	ref, err := cc.remoteRef(remote)
	if err != nil {
		return err
	}

	parentID, err := cc.resolveFolder(ctx, destFolder)
	if err != nil {
		return err
	}

	item, err := cc.Drive.Client().MoveItem(ctx, ref, parentID, "")
	if err != nil {
		return fmt.Errorf("moving %q: %w", remote, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, toItemJSON(item))
	}

	cc.Statusf("Moved %s to %s\n", remote, destFolder)

	return nil
}

func runCp(ctx context.Context, cc *CLIContext, remote, destFolder string) error {
	ref, err := cc.remoteRef(remote)
	if err != nil {
		return err
	}

	parentID, err := cc.resolveFolder(ctx, destFolder)
	if err != nil {
		return err
	}

	monitor, err := cc.Drive.Client().CopyItem(ctx, ref, "", parentID, "")
	if err != nil {
		return fmt.Errorf("copying %q: %w", remote, err)
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, map[string]string{"monitor_url": monitor})
	}

	cc.Statusf("Copy of %s started\n", remote)
	fmt.Fprintln(cc.Out, monitor)

	return nil
}
