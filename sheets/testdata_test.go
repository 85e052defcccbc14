package sheets

const seedYAML = `
sheets:
  Orders:
    - [PO Number, Date, Submitted By, Initials, Location, Department, Supplier, Category, Item, Description, Quantity, Payment Terms, Edited At, Edited By]
    - [PO-0001, "2026-02-01", Sam Carter, SC, North Paddock, Cropping, Acme Feeds, Feed, Hay, Round bales, 12, 30 days, "", ""]
  Users:
    - [Name, Email, Active]
    - [Sam Carter, sam@example.com, "Yes"]
    - [Alex Doe, alex@example.com, "No"]
  Suppliers:
    - [Name, Active]
    - ["  Zeta Rural ", "yes"]
    - [Acme Feeds, true]
    - [Ångström Tools, "TRUE"]
    - [Beta Fuel, "true"]
    - [Old Supplier, "No"]
    - ["", "Yes"]
    - [Gamma Seeds, "True"]
  Vehicles:
    - [ID, Name, Active]
    - [V2, Ute, "Yes"]
    - [V1, Hilux, "Yes"]
  Equipment:
    - [ID, Name, Active]
  Tractors:
    - [ID, Name, Active]
    - [7, John Deere 6R, "Yes"]
  Farms:
    - [Name, Active]
    - [Home Farm, "No"]
`
